package ticketing

import (
	"context"
	"slices"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// Notifier projects deposit notices onto GitHub issues. Delivery is
// at-least-once: a retried notice may repeat its comment.
type Notifier struct {
	client *Client
}

// NewNotifier builds a Notifier.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// Deliver comments, relabels and optionally closes the issue behind ref.
func (n *Notifier) Deliver(ctx context.Context, ref string, notice model.Notice) error {
	repo, number, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if notice.Comment != "" {
		if err := n.client.Comment(ctx, repo, number, notice.Comment); err != nil {
			return err
		}
	}
	if notice.Label != "" {
		if err := n.replaceStateLabel(ctx, repo, number, notice.Label); err != nil {
			return err
		}
	}
	if notice.Close {
		if err := n.client.CloseIssue(ctx, repo, number); err != nil {
			return err
		}
	}
	return nil
}

// replaceStateLabel adds label and drops any other state label so the issue
// shows only the deposit's current state.
func (n *Notifier) replaceStateLabel(ctx context.Context, repo Repo, number int, label string) error {
	if slices.Contains(model.StateLabels, label) {
		current, err := n.client.Labels(ctx, repo, number)
		if err != nil {
			return err
		}
		for _, l := range current {
			if l.Name == label || !slices.Contains(model.StateLabels, l.Name) {
				continue
			}
			if err := n.client.RemoveLabel(ctx, repo, number, l.Name); err != nil {
				return err
			}
		}
	}
	return n.client.AddLabels(ctx, repo, number, label)
}
