package doctor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/internal/custody"
	"github.com/diamondops/custody/internal/doctor"
	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/sweep"
	"github.com/diamondops/custody/internal/verify"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/fsutil"
	"github.com/diamondops/custody/pkg/model"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newDoctor(t *testing.T, store eventstore.Store, c *clock, dataDir string) (*doctor.Doctor, *custody.Service) {
	t.Helper()
	svc := custody.NewService(store, custody.Options{
		Rules: config.Default().Custody.Rules,
		TTL:   72 * time.Hour,
		Clock: c.Now,
	})
	return doctor.NewDoctor(store, sweep.New(svc, nil, nil, c.Now), verify.NewVerifier(store), dataDir), svc
}

func seed(t *testing.T, svc *custody.Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Register(ctx, custody.RegisterRequest{ItemID: "ring", Custodian: "alice"})
	require.NoError(t, err)
	_, err = svc.Propose(ctx, custody.ProposeRequest{ItemID: "ring", Initiator: "bob", ProposedNewCustodian: "bob"})
	require.NoError(t, err)
}

func categories(r *doctor.Result) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Category+"/"+f.Severity)
	}
	return out
}

func TestDoctor_Check_Healthy(t *testing.T) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	store := eventstore.NewMemory()
	doc, svc := newDoctor(t, store, c, "")
	seed(t, svc)

	result, err := doc.Check(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Check_WarnsButStaysHealthy(t *testing.T) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	store := eventstore.NewMemory()
	dir := t.TempDir()
	doc, svc := newDoctor(t, store, c, dir)
	seed(t, svc)

	c.t = c.t.Add(73 * time.Hour)
	ctx := context.Background()
	require.NoError(t, store.AppendNotification(ctx, model.NotificationRecord{
		NotificationID: "ntf_1", ItemID: "ring", Recipient: "alice", Attempt: 5,
		DeliveryStatus: model.DeliveryFailed, Error: "webhook: 502", RecordedAt: c.t,
	}))
	require.NoError(t, store.AppendNotification(ctx, model.NotificationRecord{
		NotificationID: "ntf_2", ItemID: "ring", Recipient: "alice", DeliveryStatus: model.DeliveryPending, RecordedAt: c.t,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fsutil.TmpPrefix+"123"), nil, 0644))

	result, err := doc.Check(ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.ElementsMatch(t, []string{
		"transition/warning",
		"notification/warning",
		"notification/info",
		"tmp/info",
	}, categories(result))
}

func TestDoctor_Check_StrictDetectsTampering(t *testing.T) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	store, err := eventstore.OpenFile(dir)
	require.NoError(t, err)
	_, svc := newDoctor(t, store, c, dir)
	seed(t, svc)
	require.NoError(t, store.Close())

	path := filepath.Join(dir, "events", "ring.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"custodian":"alice"`, `"custodian":"mallory"`, 1)), 0644))

	store, err = eventstore.OpenFile(dir)
	require.NoError(t, err)
	defer store.Close()
	doc, _ := newDoctor(t, store, c, dir)

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	result, err = doc.Check(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "integrity/critical")
}
