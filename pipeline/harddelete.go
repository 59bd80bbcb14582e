package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/storage"
)

// HardDeleteConfirmation is the literal the caller must echo to run a
// physical purge.
const HardDeleteConfirmation = "HARD-DELETE"

// HardDelete physically removes a record: every payload and content blob,
// the version index rows and the head. Requires the feature to be enabled in
// configuration and the confirmation literal to be echoed. Blobs go first so
// a partial failure leaves the record addressable for a retry.
func (p *Pipeline) HardDelete(ctx context.Context, id chronos.ID, confirm string) error {
	if !p.hardDelete {
		return chronos.Errorf(chronos.ErrValidation, "hard delete is disabled")
	}
	if confirm != HardDeleteConfirmation {
		return chronos.Errorf(chronos.ErrValidation, "hard delete requires confirmation %q", HardDeleteConfirmation)
	}
	owner, err := p.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer p.locks.release(ctx, id, owner)

	if _, err := p.heads.Get(ctx, id); err != nil {
		return err
	}
	lcID := strings.ToLower(id.String())
	recPrefix := fmt.Sprintf("%s/%s/", strings.ToLower(p.collection), lcID)
	if err := p.purgePrefix(ctx, p.buckets.Records, recPrefix); err != nil {
		return err
	}
	for prop := range p.cmap.Base64Props {
		conPrefix := fmt.Sprintf("%s/%s/%s/", strings.ToLower(p.collection), prop, lcID)
		if err := p.purgePrefix(ctx, p.buckets.Content, conPrefix); err != nil {
			return err
		}
	}
	if err := p.vers.DeleteAll(ctx, id); err != nil {
		return err
	}
	return p.heads.Delete(ctx, id)
}

// purgePrefix deletes every object under prefix, page by page.
func (p *Pipeline) purgePrefix(ctx context.Context, bucket string, prefix string) error {
	var token string
	for {
		page, err := p.store.List(ctx, bucket, prefix, storage.ListOptions{MaxKeys: 1000, ContinuationToken: token})
		if err != nil {
			return err
		}
		for _, key := range page.Keys {
			if err := p.store.Delete(ctx, bucket, key); err != nil {
				return err
			}
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}
