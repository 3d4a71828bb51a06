package sandman

import (
	"context"
	"io"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/lib/file"
	"github.com/wtsi-hgi/vault/persistence"
)

// Downstream handler probe outcomes
var (
	ErrHandlerBusy = errors.New("the downstream handler is busy")
	ErrHandlerFull = errors.New("the downstream handler is out of capacity")
	ErrHandler     = errors.New("the downstream handler failed unexpectedly")
)

// Queue is the slice of the persistence layer the drainer works from
type Queue interface {
	StagedQueue(ctx context.Context) ([]*persistence.File, error)
	Purge(ctx context.Context, files []*persistence.File) error
}

// Drainer feeds the staged backlog to the downstream archive handler.
// The handler owns the physical staged hardlinks from the moment it
// accepts the queue; the drainer only forgets the database rows.
type Drainer struct {
	db  Queue
	cfg config.Archive
}

// NewDrainer assembles a drainer for the configured handler
func NewDrainer(db Queue, cfg config.Archive) *Drainer {
	return &Drainer{db: db, cfg: cfg}
}

func (d *Drainer) String() string {
	return "drainer"
}

// Drain hands the staged queue to the handler, if it is big enough
// and the handler is ready. force ignores the threshold. The queue is
// purged only when the handler exits cleanly; any failure leaves it
// intact for the next run.
func (d *Drainer) Drain(ctx context.Context, force bool) error {
	queue, err := d.db.StagedQueue(ctx)
	if err != nil {
		return err
	}

	if len(queue) == 0 {
		core.Infof(d, "staging queue is empty")
		return nil
	}
	if len(queue) < d.cfg.Threshold && !force {
		core.Infof(d, "only %d files to archive; use --force-drain to ignore the threshold", len(queue))
		return nil
	}

	var required core.SizeSuffix
	for _, f := range queue {
		required += core.SizeSuffix(f.Size)
	}

	core.Infof(d, "checking the downstream handler is ready for %s...", required.Unit("Byte"))
	if err := d.preflight(ctx, int64(required)); err != nil {
		// busy and full are both transient: the queue stays put and the
		// next run tries again
		if errors.Is(err, ErrHandlerBusy) || errors.Is(err, ErrHandlerFull) {
			core.Logf(d, "%v; trying again next run", err)
			return nil
		}
		return err
	}

	core.Logf(d, "handler is ready, beginning drain...")
	if err := d.consume(ctx, queue); err != nil {
		return err
	}

	if err := d.db.Purge(ctx, queue); err != nil {
		return err
	}
	core.Logf(d, "drained %d files into the downstream handler", len(queue))
	return nil
}

// preflight asks the handler whether it can take the given number of
// bytes. Exit 1 means busy, 2 means out of capacity.
func (d *Drainer) preflight(ctx context.Context, bytes int64) error {
	cmd := exec.CommandContext(ctx, d.cfg.Handler, "ready", strconv.FormatInt(bytes, 10))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exit *exec.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case 1:
			return ErrHandlerBusy
		case 2:
			return ErrHandlerFull
		}
	}
	return errors.Wrap(ErrHandler, err.Error())
}

// consume streams the staged key paths, NUL-delimited, to the
// handler's stdin
func (d *Drainer) consume(ctx context.Context, queue []*persistence.File) error {
	cmd := exec.CommandContext(ctx, d.cfg.Handler)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(ErrHandler, err.Error())
	}

	writeErr := streamQueue(stdin, queue)
	if err := cmd.Wait(); err != nil || writeErr != nil {
		if writeErr != nil {
			return errors.Wrap(ErrHandler, writeErr.Error())
		}
		return errors.Wrap(ErrHandler, err.Error())
	}
	return nil
}

func streamQueue(stdin io.WriteCloser, queue []*persistence.File) error {
	defer stdin.Close()

	for _, f := range queue {
		if !file.IsRegular(f.Key) {
			core.Errorf(nil, "skipping %q: not a regular file, or gone", f.Key)
			continue
		}
		core.Infof(nil, "draining %q", f.Key)
		if _, err := stdin.Write(append([]byte(f.Key), 0)); err != nil {
			return err
		}
	}
	return nil
}
