package cardfeed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/conorfennell/knolsched/internal/domain"
	"go.uber.org/zap"
)

// Registry receives card identity events. *review.Service implements it.
type Registry interface {
	RegisterCard(ctx context.Context, id domain.CardIdentity) (bool, error)
	RetireCard(ctx context.Context, cardID string) error
	ActiveCards(ctx context.Context, source string) ([]string, error)
}

// Source is a deck location: a local directory or a git URL. Its cards are
// scheduled for Owner.
type Source struct {
	Path  string `koanf:"path" json:"path" validate:"required,max=1024"`
	Owner string `koanf:"owner" json:"owner" validate:"max=256"`
}

// Report summarizes one reconciliation.
type Report struct {
	Source     string  `json:"source"`
	Parsed     int     `json:"parsed"`
	Registered int     `json:"registered"`
	Retired    int     `json:"retired"`
	Errors     []error `json:"-"`
}

// Reconciler keeps the registered cards of each source in step with the
// decks it contains.
type Reconciler struct {
	registry Registry
	log      *zap.Logger
	reposDir string
}

// NewReconciler returns a Reconciler that clones git sources below reposDir.
func NewReconciler(registry Registry, log *zap.Logger, reposDir string) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{registry: registry, log: log, reposDir: reposDir}
}

// ReconcileAll reconciles every source in turn. A failed source does not
// stop the others.
func (r *Reconciler) ReconcileAll(ctx context.Context, sources []Source) []Report {
	reports := make([]Report, 0, len(sources))
	for _, src := range sources {
		rep, err := r.Reconcile(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.log.Error("failed to reconcile source", zap.String("source", src.Path), zap.Error(err))
			rep.Errors = append(rep.Errors, err)
		}
		reports = append(reports, rep)
	}
	return reports
}

// Reconcile registers every card found in src and retires the cards
// registered from src that are gone. Decks that fail to parse are reported
// in Report.Errors, and nothing is retired for that run since their cards
// may be missing only because of the failure.
func (r *Reconciler) Reconcile(ctx context.Context, src Source) (Report, error) {
	rep := Report{Source: src.Path}
	log := r.log.With(zap.String("source", src.Path))

	dir := src.Path
	if IsGitURL(src.Path) {
		local, err := repoDir(r.reposDir, src.Path)
		if err != nil {
			return rep, err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return rep, fmt.Errorf("failed to create repos directory: %w", err)
		}
		if err := SyncRepo(ctx, src.Path, local, log); err != nil {
			return rep, err
		}
		dir = local
	}

	active, err := r.registry.ActiveCards(ctx, src.Path)
	if err != nil {
		return rep, fmt.Errorf("failed to get cards for source %s: %w", src.Path, err)
	}
	found := make(map[string]bool)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		cards, err := ParseFile(path)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("parsing %s: %w", path, err))
			return nil
		}
		for _, card := range cards {
			id := Identity(src.Owner, card)
			rep.Parsed++
			if found[id] {
				continue
			}
			found[id] = true
			changed, err := r.registry.RegisterCard(ctx, domain.CardIdentity{CardID: id, Owner: src.Owner, Source: src.Path})
			if err != nil {
				if errors.Is(err, domain.ErrStorageUnavailable) || ctx.Err() != nil {
					return err
				}
				rep.Errors = append(rep.Errors, fmt.Errorf("registering %s: %w", id, err))
				continue
			}
			if changed {
				rep.Registered++
			}
		}
		return nil
	})
	if walkErr != nil {
		return rep, fmt.Errorf("error walking %s: %w", dir, walkErr)
	}

	if len(rep.Errors) > 0 {
		log.Warn("skipping retirement after errors", zap.Int("errors", len(rep.Errors)))
	} else {
		for _, id := range active {
			if found[id] {
				continue
			}
			err := r.registry.RetireCard(ctx, id)
			switch {
			case err == nil:
				rep.Retired++
			case errors.Is(err, domain.ErrNotFound):
				log.Debug("card already retired", zap.String("card_id", id))
			default:
				return rep, fmt.Errorf("retiring %s: %w", id, err)
			}
		}
	}

	log.Info("reconciliation complete",
		zap.Int("parsed_cards", rep.Parsed),
		zap.Int("registered", rep.Registered),
		zap.Int("retired", rep.Retired),
		zap.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}
