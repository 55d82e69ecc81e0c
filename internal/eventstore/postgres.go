package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

// Schema is applied by OpenPostgres. Records are stored whole as jsonb; the
// other columns exist for ordering, lookup and uniqueness.
const Schema = `
CREATE TABLE IF NOT EXISTS custody_events (
  item_id     text   NOT NULL,
  sequence_no bigint NOT NULL,
  event_id    text   NOT NULL UNIQUE,
  record_hash text   NOT NULL,
  record      jsonb  NOT NULL,
  PRIMARY KEY (item_id, sequence_no)
);
CREATE TABLE IF NOT EXISTS custody_transitions (
  transition_id text PRIMARY KEY,
  item_id       text NOT NULL
);
CREATE TABLE IF NOT EXISTS evidence_artifacts (
  artifact_id text      PRIMARY KEY,
  item_id     text      NOT NULL,
  ordinal     bigserial,
  record      jsonb     NOT NULL
);
CREATE INDEX IF NOT EXISTS evidence_artifacts_item ON evidence_artifacts (item_id, ordinal);
CREATE TABLE IF NOT EXISTS confidence_scores (
  artifact_id text   NOT NULL REFERENCES evidence_artifacts (artifact_id),
  sequence    bigint NOT NULL,
  record_hash text   NOT NULL,
  record      jsonb  NOT NULL,
  PRIMARY KEY (artifact_id, sequence)
);
CREATE TABLE IF NOT EXISTS escalation_packets (
  packet_id text PRIMARY KEY,
  item_id   text NOT NULL,
  record    jsonb NOT NULL
);
CREATE TABLE IF NOT EXISTS notification_log (
  ordinal         bigserial PRIMARY KEY,
  notification_id text NOT NULL,
  item_id         text NOT NULL,
  record          jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS notification_log_item ON notification_log (item_id, ordinal);
`

// Postgres is the shared-database Store. Appends to one item serialize on a
// transaction-scoped advisory lock keyed by the item id.
type Postgres struct {
	DB *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and applies Schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, pgErr("connect", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, pgErr("apply schema", err)
	}
	return &Postgres{DB: pool}, nil
}

// pgErr classifies a database error. Lost connections and transient server
// conditions become ErrStoreUnavailable so the retry layer picks them up.
func pgErr(op string, err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case pe.Code == "23505":
			return errclass.ErrStaleVersion.WithMessagef("%s: %s", op, pe.Detail)
		case strings.HasPrefix(pe.Code, "08"), strings.HasPrefix(pe.Code, "53"),
			strings.HasPrefix(pe.Code, "57P"), pe.Code == "40001", pe.Code == "40P01":
			return storeErr(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storeErr(op, err)
}

func (p *Postgres) Append(ctx context.Context, itemID string, expectedVersion int64, ev model.CustodyEvent) (int64, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return 0, pgErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, itemID); err != nil {
		return 0, pgErr("lock item", err)
	}

	var version int64
	var prev string
	err = tx.QueryRow(ctx, `
SELECT sequence_no, record_hash
FROM custody_events
WHERE item_id=$1
ORDER BY sequence_no DESC
LIMIT 1
`, itemID).Scan(&version, &prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, pgErr("read version", err)
	}
	if version != expectedVersion {
		return 0, errclass.ErrStaleVersion.WithMessagef("item %s: expected version %d, current %d", itemID, expectedVersion, version)
	}

	ev = cloneEvent(ev)
	ev.ItemID = itemID
	ev.SequenceNo = version + 1
	if err := SealEvent(model.HashValue(prev), &ev); err != nil {
		return 0, err
	}
	record, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO custody_events(item_id,sequence_no,event_id,record_hash,record)
VALUES($1,$2,$3,$4,$5::jsonb)
`, itemID, ev.SequenceNo, ev.EventID, string(ev.RecordHash), string(record)); err != nil {
		return 0, pgErr("insert event", err)
	}
	if ev.EventType == model.EventTransitionProposed && ev.Applied() {
		if _, err := tx.Exec(ctx, `INSERT INTO custody_transitions(transition_id,item_id) VALUES($1,$2)`,
			ev.Payload.TransitionID, itemID); err != nil {
			return 0, pgErr("index transition", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, pgErr("commit", err)
	}
	return ev.SequenceNo, nil
}

func (p *Postgres) ReadEvents(ctx context.Context, itemID string, fromSeq int64) ([]model.CustodyEvent, error) {
	return readEvents(ctx, p.DB, itemID, fromSeq)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readEvents(ctx context.Context, q querier, itemID string, fromSeq int64) ([]model.CustodyEvent, error) {
	rows, err := q.Query(ctx, `
SELECT record
FROM custody_events
WHERE item_id=$1 AND sequence_no >= $2
ORDER BY sequence_no ASC
`, itemID, fromSeq)
	if err != nil {
		return nil, pgErr("read events", err)
	}
	return collectJSON[model.CustodyEvent](rows, "read events")
}

func collectJSON[T any](rows pgx.Rows, op string) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, pgErr(op, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s: decode record: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

func (p *Postgres) LocateTransition(ctx context.Context, transitionID string) (string, error) {
	var itemID string
	err := p.DB.QueryRow(ctx, `SELECT item_id FROM custody_transitions WHERE transition_id=$1`, transitionID).Scan(&itemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errclass.ErrUnknownTransition.WithMessagef("transition %s not found", transitionID)
		}
		return "", pgErr("locate transition", err)
	}
	return itemID, nil
}

func (p *Postgres) ListItems(ctx context.Context) ([]string, error) {
	rows, err := p.DB.Query(ctx, `SELECT DISTINCT item_id FROM custody_events ORDER BY item_id`)
	if err != nil {
		return nil, pgErr("list items", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pgErr("list items", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list items", err)
	}
	return out, nil
}

func (p *Postgres) PutArtifact(ctx context.Context, a model.EvidenceArtifact) error {
	record, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return pgErr("begin", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a.ItemID); err != nil {
		return pgErr("lock item", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO evidence_artifacts(artifact_id,item_id,record) VALUES($1,$2,$3::jsonb)`,
		a.ArtifactID, a.ItemID, string(record)); err != nil {
		err = pgErr("insert artifact", err)
		if errors.Is(err, errclass.ErrStaleVersion) {
			return errclass.ErrArtifactExists.WithMessagef("artifact %s already stored", a.ArtifactID)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("commit", err)
	}
	return nil
}

func (p *Postgres) GetArtifact(ctx context.Context, artifactID string) (model.EvidenceArtifact, error) {
	var raw []byte
	err := p.DB.QueryRow(ctx, `SELECT record FROM evidence_artifacts WHERE artifact_id=$1`, artifactID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EvidenceArtifact{}, errclass.ErrUnknownArtifact.WithMessagef("artifact %s not found", artifactID)
		}
		return model.EvidenceArtifact{}, pgErr("get artifact", err)
	}
	var a model.EvidenceArtifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return model.EvidenceArtifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListArtifacts(ctx context.Context, itemID string) ([]model.EvidenceArtifact, error) {
	return listArtifacts(ctx, p.DB, itemID)
}

func listArtifacts(ctx context.Context, q querier, itemID string) ([]model.EvidenceArtifact, error) {
	rows, err := q.Query(ctx, `SELECT record FROM evidence_artifacts WHERE item_id=$1 ORDER BY ordinal ASC`, itemID)
	if err != nil {
		return nil, pgErr("list artifacts", err)
	}
	return collectJSON[model.EvidenceArtifact](rows, "list artifacts")
}

func (p *Postgres) AppendScore(ctx context.Context, s model.ConfidenceScore) (model.ConfidenceScore, error) {
	a, err := p.GetArtifact(ctx, s.ArtifactID)
	if err != nil {
		return model.ConfidenceScore{}, err
	}
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return model.ConfidenceScore{}, pgErr("begin", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a.ItemID); err != nil {
		return model.ConfidenceScore{}, pgErr("lock item", err)
	}

	var seq int64
	var prev string
	err = tx.QueryRow(ctx, `
SELECT sequence, record_hash
FROM confidence_scores
WHERE artifact_id=$1
ORDER BY sequence DESC
LIMIT 1
`, s.ArtifactID).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.ConfidenceScore{}, pgErr("read score tail", err)
	}

	s = cloneScore(s)
	s.Sequence = seq + 1
	if err := SealScore(model.HashValue(prev), &s); err != nil {
		return model.ConfidenceScore{}, err
	}
	record, err := json.Marshal(s)
	if err != nil {
		return model.ConfidenceScore{}, fmt.Errorf("marshal score: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO confidence_scores(artifact_id,sequence,record_hash,record)
VALUES($1,$2,$3,$4::jsonb)
`, s.ArtifactID, s.Sequence, string(s.RecordHash), string(record)); err != nil {
		return model.ConfidenceScore{}, pgErr("insert score", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ConfidenceScore{}, pgErr("commit", err)
	}
	return s, nil
}

func (p *Postgres) ReadScores(ctx context.Context, artifactID string) ([]model.ConfidenceScore, error) {
	if _, err := p.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	return readScores(ctx, p.DB, artifactID)
}

func readScores(ctx context.Context, q querier, artifactID string) ([]model.ConfidenceScore, error) {
	rows, err := q.Query(ctx, `SELECT record FROM confidence_scores WHERE artifact_id=$1 ORDER BY sequence ASC`, artifactID)
	if err != nil {
		return nil, pgErr("read scores", err)
	}
	return collectJSON[model.ConfidenceScore](rows, "read scores")
}

// Snapshot reads inside one REPEATABLE READ transaction so events, artifacts
// and scores come from the same database snapshot.
func (p *Postgres) Snapshot(ctx context.Context, itemID string) (ItemSnapshot, error) {
	tx, err := p.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return ItemSnapshot{}, pgErr("begin", err)
	}
	defer tx.Rollback(ctx)

	snap := ItemSnapshot{Scores: make(map[string][]model.ConfidenceScore)}
	if snap.Events, err = readEvents(ctx, tx, itemID, 0); err != nil {
		return ItemSnapshot{}, err
	}
	if snap.Artifacts, err = listArtifacts(ctx, tx, itemID); err != nil {
		return ItemSnapshot{}, err
	}
	for _, a := range snap.Artifacts {
		scores, err := readScores(ctx, tx, a.ArtifactID)
		if err != nil {
			return ItemSnapshot{}, err
		}
		snap.Scores[a.ArtifactID] = scores
	}
	return snap, nil
}

func (p *Postgres) PutPacket(ctx context.Context, pk model.EscalationPacket) error {
	record, err := json.Marshal(pk)
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if _, err := p.DB.Exec(ctx, `INSERT INTO escalation_packets(packet_id,item_id,record) VALUES($1,$2,$3::jsonb)`,
		pk.PacketID, pk.ItemID, string(record)); err != nil {
		err = pgErr("insert packet", err)
		if errors.Is(err, errclass.ErrStaleVersion) {
			return errclass.ErrPacketExists.WithMessagef("packet %s already issued", pk.PacketID)
		}
		return err
	}
	return nil
}

func (p *Postgres) GetPacket(ctx context.Context, packetID string) (model.EscalationPacket, error) {
	var raw []byte
	err := p.DB.QueryRow(ctx, `SELECT record FROM escalation_packets WHERE packet_id=$1`, packetID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EscalationPacket{}, errclass.ErrUnknownPacket.WithMessagef("packet %s not found", packetID)
		}
		return model.EscalationPacket{}, pgErr("get packet", err)
	}
	var pk model.EscalationPacket
	if err := json.Unmarshal(raw, &pk); err != nil {
		return model.EscalationPacket{}, fmt.Errorf("decode packet: %w", err)
	}
	return pk, nil
}

func (p *Postgres) AppendNotification(ctx context.Context, rec model.NotificationRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := p.DB.Exec(ctx, `INSERT INTO notification_log(notification_id,item_id,record) VALUES($1,$2,$3::jsonb)`,
		rec.NotificationID, rec.ItemID, string(record)); err != nil {
		return pgErr("insert notification", err)
	}
	return nil
}

func (p *Postgres) ReadNotifications(ctx context.Context, itemID string) ([]model.NotificationRecord, error) {
	q := `SELECT record FROM notification_log`
	var args []any
	if itemID != "" {
		q += ` WHERE item_id=$1`
		args = append(args, itemID)
	}
	q += ` ORDER BY ordinal ASC`
	rows, err := p.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("read notifications", err)
	}
	return collectJSON[model.NotificationRecord](rows, "read notifications")
}

func (p *Postgres) Close() error {
	p.DB.Close()
	return nil
}
