package sqlcluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenplum-dr/drsync"
)

// PGXCoordinator is the default Coordinator, backed by a connection pool
// against the Primary coordinator instance.
type PGXCoordinator struct {
	pool *pgxpool.Pool
}

// NewPGXCoordinator dials connString (a standard libpq/pgx connection
// string) and returns a ready Coordinator.
func NewPGXCoordinator(ctx context.Context, connString string) (*PGXCoordinator, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: dial coordinator: %s", drsync.ErrConnect, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping coordinator: %s", drsync.ErrConnect, err)
	}
	return &PGXCoordinator{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (c *PGXCoordinator) Close() { c.pool.Close() }

// CreateRestorePoint implements Coordinator.
func (c *PGXCoordinator) CreateRestorePoint(ctx context.Context, name drsync.RestorePointName) (int, map[int]drsync.LSN, error) {
	rows, err := c.pool.Query(ctx, `
		select gp_segment_id, lsn, timeline_id
		from gp_dist_random('gp_id') seg,
		     lateral (select * from pg_create_restore_point($1)) r(lsn),
		     lateral (select timeline_id from pg_control_checkpoint()) t
	`, string(name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" { // duplicate_object
			return 0, nil, fmt.Errorf("%s: %w", name, drsync.ErrDuplicateRestorePoint)
		}
		return 0, nil, fmt.Errorf("create restore point %s: %w", name, err)
	}
	defer rows.Close()

	lsnBySegment := make(map[int]drsync.LSN)
	timelineID := 0
	for rows.Next() {
		var segID, tl int
		var lsnStr string
		if err := rows.Scan(&segID, &lsnStr, &tl); err != nil {
			return 0, nil, fmt.Errorf("scan restore point row: %w", err)
		}
		lsn, err := drsync.ParseLSN(lsnStr)
		if err != nil {
			return 0, nil, fmt.Errorf("parse restore point lsn for segment %d: %w", segID, err)
		}
		lsnBySegment[segID] = lsn
		timelineID = tl
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("create restore point %s: %w", name, err)
	}
	return timelineID, lsnBySegment, nil
}

// SwitchWAL implements Coordinator.
func (c *PGXCoordinator) SwitchWAL(ctx context.Context) (map[int]drsync.LSN, error) {
	rows, err := c.pool.Query(ctx, `
		select gp_segment_id, lsn
		from gp_dist_random('gp_id') seg,
		     lateral (select * from pg_switch_wal()) r(lsn)
	`)
	if err != nil {
		return nil, fmt.Errorf("switch wal: %w", err)
	}
	defer rows.Close()

	lsnBySegment := make(map[int]drsync.LSN)
	for rows.Next() {
		var segID int
		var lsnStr string
		if err := rows.Scan(&segID, &lsnStr); err != nil {
			return nil, fmt.Errorf("scan switch wal row: %w", err)
		}
		lsn, err := drsync.ParseLSN(lsnStr)
		if err != nil {
			return nil, fmt.Errorf("parse switch wal lsn for segment %d: %w", segID, err)
		}
		lsnBySegment[segID] = lsn
	}
	return lsnBySegment, rows.Err()
}

// Topology implements Coordinator.
func (c *PGXCoordinator) Topology(ctx context.Context) ([]drsync.Instance, error) {
	rows, err := c.pool.Query(ctx, `
		select content, hostname, port, datadir
		from gp_segment_configuration
		where role = 'p' and status = 'u'
		order by content
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", drsync.ErrConnect, err)
	}
	defer rows.Close()

	seen := make(map[int]bool)
	var instances []drsync.Instance
	for rows.Next() {
		var inst drsync.Instance
		if err := rows.Scan(&inst.SegmentID, &inst.Host, &inst.Port, &inst.DataDir); err != nil {
			return nil, fmt.Errorf("scan topology row: %w", err)
		}
		if seen[inst.SegmentID] {
			return nil, fmt.Errorf("segment %d reported twice: %w", inst.SegmentID, drsync.ErrInconsistentTopology)
		}
		seen[inst.SegmentID] = true
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", drsync.ErrConnect, err)
	}
	return instances, nil
}

// PGXInstanceConn is the default InstanceConn, backed by a connection pool
// against one instance.
type PGXInstanceConn struct {
	pool *pgxpool.Pool
}

// NewPGXInstanceConn dials connString against one instance.
func NewPGXInstanceConn(ctx context.Context, connString string) (*PGXInstanceConn, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: dial instance: %s", drsync.ErrConnect, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping instance: %s", drsync.ErrConnect, err)
	}
	return &PGXInstanceConn{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (c *PGXInstanceConn) Close() { c.pool.Close() }

func (c *PGXInstanceConn) queryLSN(ctx context.Context, query string) (drsync.LSN, error) {
	var lsnStr string
	if err := c.pool.QueryRow(ctx, query).Scan(&lsnStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w", drsync.ErrFloorUnknown)
		}
		return 0, fmt.Errorf("%w: %s", drsync.ErrConnect, err)
	}
	return drsync.ParseLSN(lsnStr)
}

// ReplayLSN implements InstanceConn.
func (c *PGXInstanceConn) ReplayLSN(ctx context.Context) (drsync.LSN, error) {
	return c.queryLSN(ctx, `select pg_last_wal_replay_lsn()`)
}

// MinRecoveryEndLSN implements InstanceConn.
func (c *PGXInstanceConn) MinRecoveryEndLSN(ctx context.Context) (drsync.LSN, error) {
	return c.queryLSN(ctx, `select min_recovery_end_lsn from pg_control_recovery()`)
}

// IsInRecovery implements InstanceConn.
func (c *PGXInstanceConn) IsInRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := c.pool.QueryRow(ctx, `select pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("%w: %s", drsync.ErrConnect, err)
	}
	return inRecovery, nil
}
