// Package mail builds and delivers the notification e-mails that keep
// stakeholders ahead of the sweeper.
package mail

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/persistence"
)

// Message is a renderable e-mail
type Message struct {
	Subject     string
	Body        string
	Attachments []*Attachment
}

// Attach adds an attachment to the message
func (m *Message) Attach(a *Attachment) {
	m.Attachments = append(m.Attachments, a)
}

// GroupSummary aggregates one group's files for the notification body
type GroupSummary struct {
	Group string // group name
	Path  string // common path of the summarised files
	Count int
	Size  core.SizeSuffix
}

// WarningSummary is a set of group summaries at one warning horizon
type WarningSummary struct {
	TMinus time.Duration
	Groups []GroupSummary
}

// Context is everything the notification template needs
type Context struct {
	Stakeholder string
	Deleted     []GroupSummary
	Staged      []GroupSummary
	Warned      []WarningSummary
}

const notificationSubject = "Action Required: Vault Summary"

// Recipients are mostly PIs skimming a full inbox, so the body leads
// with what is about to happen and relegates the long file lists to
// attachments.
var notificationTemplate = template.Must(template.New("notification").Funcs(template.FuncMap{
	"human_time": humanTime,
}).Parse(`Dear {{.Stakeholder}},

This is an automated message from the vault data retention system. The
full lists of affected files are attached, compressed, to this e-mail.
{{if .Warned}}{{range .Warned}}
The following files will be DELETED in {{human_time .TMinus}}. Any you
wish to keep must be annotated before then:
{{range .Groups}}
  * {{.Count}} files ({{.Size}}) under {{.Path}} [{{.Group}}]
{{end}}{{end}}{{end}}{{if .Deleted}}
The following files have been deleted. They can still be recovered,
for a limited time, with "vault recover":
{{range .Deleted}}
  * {{.Count}} files ({{.Size}}) under {{.Path}} [{{.Group}}]
{{end}}{{end}}{{if .Staged}}
The following files have been staged and will be archived shortly.
Their originals no longer appear in your directories:
{{range .Staged}}
  * {{.Count}} files ({{.Size}}) under {{.Path}} [{{.Group}}]
{{end}}{{end}}
If any of this is unexpected, contact your group's owners or the
system administrators as soon as possible.
`))

// Notification renders the summary e-mail for one stakeholder
func Notification(stakeholder *idm.User, ctx Context) (*Message, error) {
	ctx.Stakeholder = stakeholder.Name

	var body bytes.Buffer
	if err := notificationTemplate.Execute(&body, ctx); err != nil {
		return nil, errors.Wrap(err, "cannot render notification")
	}
	return &Message{
		Subject: notificationSubject,
		Body:    body.String(),
	}, nil
}

// Summarise aggregates files per group: a count, a total size and
// their common path. Group names are resolved through the directory.
func Summarise(files []*persistence.File, directory idm.IdM) ([]GroupSummary, error) {
	byGID := make(map[int]*GroupSummary)
	for _, f := range files {
		summary, ok := byGID[f.Group]
		if !ok {
			group, err := directory.Group(f.Group)
			if err != nil {
				return nil, err
			}
			byGID[f.Group] = &GroupSummary{
				Group: group.Name,
				Path:  filepath.Dir(f.Path),
				Count: 1,
				Size:  core.SizeSuffix(f.Size),
			}
			continue
		}
		summary.Path = commonPath(summary.Path, filepath.Dir(f.Path))
		summary.Count++
		summary.Size += core.SizeSuffix(f.Size)
	}

	summaries := make([]GroupSummary, 0, len(byGID))
	for _, summary := range byGID {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Group < summaries[j].Group
	})
	return summaries, nil
}

// commonPath returns the longest shared ancestor of two paths
func commonPath(a, b string) string {
	if a == b {
		return a
	}
	as := strings.Split(filepath.Clean(a), string(filepath.Separator))
	bs := strings.Split(filepath.Clean(b), string(filepath.Separator))

	var common []string
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			break
		}
		common = append(common, as[i])
	}
	if len(common) == 1 && common[0] == "" {
		return string(filepath.Separator)
	}
	return strings.Join(common, string(filepath.Separator))
}

// humanTime renders a duration in the largest sensible unit
func humanTime(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days", d/(24*time.Hour))
	case d >= 2*time.Hour:
		return fmt.Sprintf("%d hours", d/time.Hour)
	default:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	}
}
