package eventstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/fsutil"
	"github.com/diamondops/custody/pkg/model"
)

func TestFile_ReopenRestoresEverything(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	_, err = s.Append(ctx, "item-1", 0, event("ev_1", model.EventItemRegistered))
	require.NoError(t, err)
	_, err = s.Append(ctx, "item-1", 1, proposed("ev_2", "tr_1"))
	require.NoError(t, err)
	require.NoError(t, s.PutArtifact(ctx, model.EvidenceArtifact{ArtifactID: "art_1", ItemID: "item-1", CreatedAt: t0}))
	_, err = s.AppendScore(ctx, model.ConfidenceScore{ArtifactID: "art_1", Score: 0.4, ComputedAt: t0})
	require.NoError(t, err)
	require.NoError(t, s.PutPacket(ctx, model.EscalationPacket{PacketID: "pkt_1", ItemID: "item-1", Level: 1}))
	require.NoError(t, s.AppendNotification(ctx, model.NotificationRecord{NotificationID: "n1", ItemID: "item-1"}))
	require.NoError(t, s.Close())

	reopened, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	defer reopened.Close()

	before, err := s.Snapshot(ctx, "item-1")
	require.NoError(t, err)
	after, err := reopened.Snapshot(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	itemID, err := reopened.LocateTransition(ctx, "tr_1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", itemID)

	_, err = reopened.GetPacket(ctx, "pkt_1")
	require.NoError(t, err)
	records, err := reopened.ReadNotifications(ctx, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	seq, err := reopened.Append(ctx, "item-1", 2, event("ev_3", model.EventItemLocked))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestFile_TwoWritersCannotForkAStream(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	b, err := eventstore.OpenFile(dir)
	require.NoError(t, err)

	_, err = a.Append(ctx, "item-1", 0, event("ev_a", model.EventItemRegistered))
	require.NoError(t, err)

	// b still believes the stream is empty.
	_, err = b.Append(ctx, "item-1", 0, event("ev_b", model.EventItemRegistered))
	assert.ErrorIs(t, err, errclass.ErrStaleVersion)

	// The failed append refreshed b from the journal.
	events, err := b.ReadEvents(ctx, "item-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev_a", events[0].EventID)

	_, err = b.Append(ctx, "item-1", 1, event("ev_b", model.EventItemLocked))
	require.NoError(t, err)
}

func TestFile_CorruptLineFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	_, err = s.Append(context.Background(), "item-1", 0, event("ev_1", model.EventItemRegistered))
	require.NoError(t, err)

	path := filepath.Join(dir, "events", "item-1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = eventstore.OpenFile(dir)
	assert.ErrorIs(t, err, errclass.ErrAuditChainBroken)
}

func TestFile_ReopenKeepsDotPrefixedItems(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	for _, itemID := range []string{".ring", "."} {
		_, err = s.Append(ctx, itemID, 0, event("ev_"+itemID, model.EventItemRegistered))
		require.NoError(t, err)
	}
	require.NoError(t, s.PutArtifact(ctx, model.EvidenceArtifact{ArtifactID: "art_1", ItemID: ".ring", CreatedAt: t0}))
	_, err = s.AppendScore(ctx, model.ConfidenceScore{ArtifactID: "art_1", Score: 0.6, ComputedAt: t0})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	defer reopened.Close()

	items, err := reopened.ListItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{".", ".ring"}, items)

	events, err := reopened.ReadEvents(ctx, ".ring", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	scores, err := reopened.ReadScores(ctx, "art_1")
	require.NoError(t, err)
	assert.Len(t, scores, 1)

	_, err = reopened.Append(ctx, ".ring", 0, event("ev_again", model.EventItemRegistered))
	assert.ErrorIs(t, err, errclass.ErrStaleVersion)
}

func TestFile_TempFilesAreNotJournals(t *testing.T) {
	dir := t.TempDir()
	s, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events", fsutil.TmpPrefix+"x.jsonl"), []byte("{partial"), 0644))

	reopened, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	defer reopened.Close()
	items, err := reopened.ListItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFile_SharedDirectorySeesOtherWriter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	server, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	defer server.Close()
	cli, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Append(ctx, "item-1", 0, event("ev_1", model.EventItemRegistered))
	require.NoError(t, err)
	_, err = cli.Append(ctx, "item-1", 1, proposed("ev_2", "tr_1"))
	require.NoError(t, err)
	require.NoError(t, cli.PutArtifact(ctx, model.EvidenceArtifact{ArtifactID: "art_1", ItemID: "item-1", CreatedAt: t0}))
	_, err = cli.AppendScore(ctx, model.ConfidenceScore{ArtifactID: "art_1", Score: 0.8, ComputedAt: t0})
	require.NoError(t, err)
	require.NoError(t, cli.PutPacket(ctx, model.EscalationPacket{PacketID: "pkt_1", ItemID: "item-1", Level: 1}))
	require.NoError(t, cli.AppendNotification(ctx, model.NotificationRecord{NotificationID: "n1", ItemID: "item-1"}))

	itemID, err := server.LocateTransition(ctx, "tr_1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", itemID)

	items, err := server.ListItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, items)

	snap, err := server.Snapshot(ctx, "item-1")
	require.NoError(t, err)
	assert.Len(t, snap.Events, 2)
	require.Len(t, snap.Artifacts, 1)
	assert.Len(t, snap.Scores["art_1"], 1)

	_, err = server.GetArtifact(ctx, "art_1")
	require.NoError(t, err)
	_, err = server.GetPacket(ctx, "pkt_1")
	require.NoError(t, err)
	records, err := server.ReadNotifications(ctx, "item-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// The server writes next; the other store picks it up in turn.
	seq, err := server.Append(ctx, "item-1", 2, event("ev_3", model.EventItemLocked))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
	score, err := server.AppendScore(ctx, model.ConfidenceScore{ArtifactID: "art_1", Score: 0.9, ComputedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), score.Sequence)

	events, err := cli.ReadEvents(ctx, "item-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	scores, err := cli.ReadScores(ctx, "art_1")
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}
