package sandman

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/mail"
	"github.com/wtsi-hgi/vault/persistence"
)

// Notifier turns unnotified persistence records into one e-mail per
// stakeholder. Notification rows are only written once the message
// has actually been handed to the relay, so a failed send is retried
// on the next sweep.
type Notifier struct {
	db          *persistence.DB
	directory   idm.IdM
	postman     *mail.Postman
	checkpoints []time.Duration
}

// NewNotifier assembles a notifier for the configured warning
// checkpoints
func NewNotifier(db *persistence.DB, directory idm.IdM, postman *mail.Postman, checkpoints []time.Duration) *Notifier {
	return &Notifier{db: db, directory: directory, postman: postman, checkpoints: checkpoints}
}

func (n *Notifier) String() string {
	return "notifier"
}

// Notify sends every outstanding report. Per-stakeholder failures are
// logged and skipped; their records stay unnotified.
func (n *Notifier) Notify(ctx context.Context) error {
	reports, err := n.db.Reports(ctx, n.checkpoints)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		core.Infof(n, "nothing to notify")
		return nil
	}

	for _, report := range reports {
		if err := n.send(report); err != nil {
			core.Errorf(n, "could not notify uid %d: %v", report.Stakeholder, err)
			continue
		}
		if err := n.db.MarkNotified(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) send(report *persistence.Report) error {
	stakeholder, err := n.directory.User(report.Stakeholder)
	if err != nil {
		return err
	}

	var mctx mail.Context
	var attachments []*mail.Attachment

	if mctx.Deleted, err = mail.Summarise(report.Deleted, n.directory); err != nil {
		return err
	}
	if len(report.Deleted) > 0 {
		a, err := mail.GzippedFOFN("deleted.fofn.gz", paths(report.Deleted))
		if err != nil {
			return err
		}
		attachments = append(attachments, a)
	}

	if mctx.Staged, err = mail.Summarise(report.Staged, n.directory); err != nil {
		return err
	}
	if len(report.Staged) > 0 {
		a, err := mail.GzippedFOFN("staged.fofn.gz", paths(report.Staged))
		if err != nil {
			return err
		}
		attachments = append(attachments, a)
	}

	// smallest horizon first, matching the body's urgency ordering
	horizons := make([]time.Duration, 0, len(report.Warned))
	for tminus := range report.Warned {
		horizons = append(horizons, tminus)
	}
	sort.Slice(horizons, func(i, j int) bool { return horizons[i] < horizons[j] })

	for _, tminus := range horizons {
		files := report.Warned[tminus]
		groups, err := mail.Summarise(files, n.directory)
		if err != nil {
			return err
		}
		mctx.Warned = append(mctx.Warned, mail.WarningSummary{TMinus: tminus, Groups: groups})

		a, err := mail.GzippedFOFN(
			fmt.Sprintf("delete-%d.fofn.gz", int(tminus.Hours())), paths(files))
		if err != nil {
			return err
		}
		attachments = append(attachments, a)
	}

	msg, err := mail.Notification(stakeholder, mctx)
	if err != nil {
		return err
	}
	for _, a := range attachments {
		msg.Attach(a)
	}

	return n.postman.Deliver(msg, stakeholder.Email)
}

func paths(files []*persistence.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
