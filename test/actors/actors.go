package actors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sealer repeatedly races the conditional seal write on one evidence object.
// At most one iteration across all sealers ever lands; the rest update zero
// rows because the chain_status guard no longer matches.
func Sealer(ctx context.Context, pool *pgxpool.Pool, objectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE evidence_objects
			SET chain_status = 'sealed', content_sha256 = $2, sealed_by = 'stress-sealer', sealed_at = NOW()
			WHERE id = $1 AND chain_status = 'open'`, objectID, randomHex())
		if err := ignoreChaos(err); err != nil {
			return fmt.Errorf("sealer update: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Assembler races pack versioning for one dispute lineage: lock the current
// row, supersede it, insert the next version. Unique-index losers are
// expected under contention.
func Assembler(ctx context.Context, pool *pgxpool.Pool, disputeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := assembleOnce(ctx, pool, disputeID); err != nil {
			return fmt.Errorf("assembler: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func assembleOnce(ctx context.Context, pool *pgxpool.Pool, disputeID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		priorID      *string
		priorVersion int
	)
	err = tx.QueryRow(ctx, `
		SELECT id, pack_version FROM defense_packs
		WHERE dispute_id = $1 AND pack_type = 'generic_v1' AND pack_status IN ('draft','finalized')
		FOR UPDATE`, disputeID).Scan(&priorID, &priorVersion)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ignoreContention(err)
	}
	if priorID != nil {
		if _, err := tx.Exec(ctx, `UPDATE defense_packs SET pack_status = 'superseded' WHERE id = $1`, *priorID); err != nil {
			return ignoreContention(err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO defense_packs (id, dispute_id, pack_type, pack_version, pack_status, pack_json, pack_sha256, assembled_by)
		VALUES (gen_random_uuid(), $1, 'generic_v1', $2, 'draft', '{}'::jsonb, $3, 'stress-assembler')`,
		disputeID, priorVersion+1, randomHex()); err != nil {
		return ignoreContention(err)
	}
	return ignoreContention(tx.Commit(ctx))
}

// EventAppender appends run events while the run stays active. Ordering is by
// timestamp, never by serialized access.
func EventAppender(ctx context.Context, pool *pgxpool.Pool, runID string, stop <-chan struct{}) error {
	types := []string{"evidence_attached", "template_bound", "property_bound"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ty := types[rand.Intn(len(types))]
		_, err := pool.Exec(ctx, `
			INSERT INTO emergency_run_events (run_id, event_type, event_at, payload)
			SELECT id, $2, NOW(), '{}'::jsonb FROM emergency_runs WHERE id = $1 AND status = 'active'`,
			runID, ty)
		if err := ignoreChaos(err); err != nil {
			return fmt.Errorf("event append: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// EventTamperer attempts UPDATE and DELETE against persisted run events.
// Every attempt must be rejected by the append-only trigger.
func EventTamperer(ctx context.Context, pool *pgxpool.Pool, runID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := pool.Exec(ctx, `UPDATE emergency_run_events SET event_type = 'tampered' WHERE run_id = $1`, runID); err == nil {
			return errors.New("tamperer: event update unexpectedly succeeded")
		} else if !isAppendOnlyRefusal(err) {
			if err := ignoreChaos(err); err != nil {
				return fmt.Errorf("tamperer update: %w", err)
			}
		}
		if _, err := pool.Exec(ctx, `DELETE FROM emergency_run_events WHERE run_id = $1`, runID); err == nil {
			return errors.New("tamperer: event delete unexpectedly succeeded")
		} else if !isAppendOnlyRefusal(err) {
			if err := ignoreChaos(err); err != nil {
				return fmt.Errorf("tamperer delete: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// GrantIssuer issues short-lived scope grants, some expiring almost
// immediately, so sweepers and readers race over them.
func GrantIssuer(ctx context.Context, pool *pgxpool.Pool, runID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO emergency_scope_grants (id, run_id, grantee_id, grant_type, granted_by, granted_at, expires_at)
			VALUES (gen_random_uuid(), $1, $2, 'unit_access', 'stress-issuer', NOW(), NOW() + make_interval(secs => $3))`,
			runID, fmt.Sprintf("grantee-%d", rand.Intn(4)), rand.Intn(3))
		if err := ignoreChaos(err); err != nil {
			return fmt.Errorf("grant insert: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// GrantSweeper marks expired-unrevoked grants, mirroring the production
// sweep. Idempotent and safe to run alongside issuers and readers.
func GrantSweeper(ctx context.Context, pool *pgxpool.Pool, tenantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE emergency_scope_grants g
			SET revoked_at = NOW(), revoke_reason = 'expired'
			FROM emergency_runs er
			WHERE er.id = g.run_id AND er.tenant_id = $1
			  AND g.revoked_at IS NULL AND g.expires_at <= NOW()`, tenantID)
		if err := ignoreChaos(err); err != nil {
			return fmt.Errorf("grant sweep: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Attacher copies the sealed hash of an object into a new dispute input, the
// way the input gate snapshots artifacts. Before the sealers land, the
// guarded select inserts nothing.
func Attacher(ctx context.Context, pool *pgxpool.Pool, disputeID, objectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO dispute_inputs (id, dispute_id, input_type, input_id, copied_sha256, attached_by)
			SELECT gen_random_uuid(), $1, 'evidence_object', o.id, o.content_sha256, 'stress-attacher'
			FROM evidence_objects o
			WHERE o.id = $2 AND o.chain_status = 'sealed'`, disputeID, objectID)
		if err := ignoreChaos(err); err != nil {
			return fmt.Errorf("attach input: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

func ignoreContention(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01": // unique violation, serialization failure, deadlock
			return nil
		}
	}
	return ignoreChaos(err)
}

// ignoreChaos swallows connection loss caused by the backend terminator.
func ignoreChaos(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "08006", "08003": // admin shutdown, connection failure/closed
			return nil
		}
	}
	if pgconn.SafeToRetry(err) {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "conn closed") || strings.Contains(msg, "unexpected EOF") {
		return nil
	}
	return err
}

func isAppendOnlyRefusal(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "P0001"
}

func randomHex() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())))
	return hex.EncodeToString(sum[:])
}
