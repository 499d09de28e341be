package server

import (
	"context"
	"fmt"
	"log"

	"github.com/PhucNguyen204/acctfilter/internal/groupfiles"
	"github.com/PhucNguyen204/acctfilter/pkg/filterspec"
)

// LoadGroupsFromDir subscribes every group definition found under dir.
// Files that cannot be read, parsed or normalized are skipped. File-defined
// groups are not written to the store.
// Returns (loaded_count, skipped_count, error).
func (s *AppServer) LoadGroupsFromDir(ctx context.Context, dir string) (int, int, error) {
	files, err := groupfiles.LoadDirRecursive(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("walk dir: %w", err)
	}
	loaded, skipped := 0, 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return loaded, skipped, err
		}
		if f.Err != nil {
			log.Printf("skip group file %s: %v", f.Path, f.Err)
			skipped++
			continue
		}
		g, err := f.Spec.Group()
		if err != nil {
			log.Printf("skip group file %s: %v", f.Path, err)
			skipped++
			continue
		}
		sub, _ := s.reg.Subscribe(g)
		log.Printf("group %s -> subscription %d %s", f.Spec.Name, sub.ID, g)
		loaded++
	}
	return loaded, skipped, nil
}

// RestoreFromStore re-registers persisted subscriptions under their stored
// ids. Rows that no longer decode are skipped, but their ids stay reserved.
func (s *AppServer) RestoreFromStore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	maxID, err := s.store.MaxSubscriptionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("max subscription id: %w", err)
	}
	recs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	restored := 0
	for _, rec := range recs {
		g, err := filterspec.NormalizeJSON(rec.Filters)
		if err != nil {
			log.Printf("skip stored subscription %d: %v", rec.ID, err)
			continue
		}
		if g.Hash() != rec.GroupHash {
			log.Printf("stored subscription %d: group hash changed %x -> %x", rec.ID, rec.GroupHash, g.Hash())
		}
		if err := s.reg.Restore(rec.ID, g, rec.CreatedAt); err != nil {
			return restored, err
		}
		restored++
	}
	s.reg.Reserve(maxID)
	return restored, nil
}
