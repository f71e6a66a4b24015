package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/crdt"
	"github.com/kimhsiao/crmorbit/backend/internal/crypto"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/loader"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

var testKDF = crypto.KDFParams{Time: 1, Memory: 1024, Threads: 1}

func testCipher(passphrase string) (crypto.Cipher, error) {
	return crypto.NewPassphraseCipherWithParams(passphrase, testKDF)
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return db.NewStore(database.DB)
}

func orgEvent(id, ts string) events.Event {
	return events.Event{
		ID:        id,
		Type:      events.OrganizationCreated,
		EntityID:  "org-" + id,
		Payload:   json.RawMessage(`{"name":"Acme"}`),
		Timestamp: ts,
		DeviceID:  "dev-a",
	}
}

func contactEvent(id, entityID, ts string) events.Event {
	return events.Event{
		ID:        id,
		Type:      events.ContactCreated,
		EntityID:  entityID,
		Payload:   json.RawMessage(`{"firstName":"Ada"}`),
		Timestamp: ts,
		DeviceID:  "dev-a",
	}
}

// emptySnapshot is a loadable snapshot of an empty document.
func emptySnapshot(t *testing.T, id, ts string) *models.Snapshot {
	t.Helper()
	r := crdt.NewReplica()
	require.NoError(t, r.SetDocument(document.New(), "genesis"))
	return &models.Snapshot{ID: id, Doc: crdt.EncodeSnapshot(r), Timestamp: ts}
}

func seed(t *testing.T, s *db.Store, snap *models.Snapshot, evs ...events.Event) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, evs))
	if snap != nil {
		require.NoError(t, s.SaveSnapshot(ctx, *snap))
	}
}

func counts(t *testing.T, s *db.Store) (int, int) {
	t.Helper()
	ctx := context.Background()
	ne, err := s.CountEvents(ctx)
	require.NoError(t, err)
	ns, err := s.CountSnapshots(ctx)
	require.NoError(t, err)
	return ne, ns
}

// =====================================================
// Create / Parse
// =====================================================

// TestBackupPayload_roundTrip verifies parse(serialize(create)) is lossless.
func TestBackupPayload_roundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, &models.Snapshot{ID: "snap-1", Doc: "AAEC", Timestamp: "2024-01-01T00:00:00.000Z"},
		orgEvent("evt-2000-1", "2024-01-02T00:00:00.000Z"),
		orgEvent("evt-1000-1", "2024-01-01T00:00:00.000Z"),
	)

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p, err := CreateBackupPayload(ctx, s, CreateOptions{DeviceID: "dev-a", AppVersion: "1.2.0", CreatedAt: created})
	require.NoError(t, err)
	assert.Equal(t, PayloadVersion, p.Version)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", p.CreatedAt)
	require.Len(t, p.Events, 2)
	assert.Equal(t, "evt-1000-1", p.Events[0].ID)
	require.NotNil(t, p.Snapshot)

	raw, err := MarshalBackupPayload(p)
	require.NoError(t, err)
	parsed, err := ParseBackupPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

// TestCreateBackupPayload_requiresDevice verifies the device id check.
func TestCreateBackupPayload_requiresDevice(t *testing.T) {
	_, err := CreateBackupPayload(context.Background(), newTestStore(t), CreateOptions{DeviceID: "  "})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestParseBackupPayload_rejects verifies strict validation of untrusted input.
func TestParseBackupPayload_rejects(t *testing.T) {
	evt := `{"id":"evt-1-1","type":"organization.created","entityId":"o1","payload":{},"timestamp":"2024-01-01T00:00:00.000Z","deviceId":"d"}`
	tests := []struct {
		name string
		raw  string
		code apperrors.ErrorCode
	}{
		{"not an object", `[]`, apperrors.ErrValidation},
		{"missing version", `{"createdAt":"x","deviceId":"d","events":[]}`, apperrors.ErrValidation},
		{"future version", `{"version":2,"createdAt":"x","deviceId":"d","events":[]}`, apperrors.ErrUnsupportedVersion},
		{"string version", `{"version":"1","createdAt":"x","deviceId":"d","events":[]}`, apperrors.ErrUnsupportedVersion},
		{"empty createdAt", `{"version":1,"createdAt":" ","deviceId":"d","events":[]}`, apperrors.ErrValidation},
		{"numeric deviceId", `{"version":1,"createdAt":"x","deviceId":7,"events":[]}`, apperrors.ErrValidation},
		{"events not array", `{"version":1,"createdAt":"x","deviceId":"d","events":{}}`, apperrors.ErrValidation},
		{"missing events", `{"version":1,"createdAt":"x","deviceId":"d"}`, apperrors.ErrValidation},
		{"event without id", `{"version":1,"createdAt":"x","deviceId":"d","events":[{"type":"organization.created","timestamp":"t","deviceId":"d"}]}`, apperrors.ErrValidation},
		{"unregistered type", `{"version":1,"createdAt":"x","deviceId":"d","events":[{"id":"e","type":"widget.created","timestamp":"t","deviceId":"d"}]}`, apperrors.ErrUnknownEventType},
		{"payload not object", `{"version":1,"createdAt":"x","deviceId":"d","events":[{"id":"e","type":"organization.created","timestamp":"t","deviceId":"d","payload":[1]}]}`, apperrors.ErrValidation},
		{"duplicate id", `{"version":1,"createdAt":"x","deviceId":"d","events":[` + evt + `,` + evt + `]}`, apperrors.ErrDuplicate},
		{"snapshot without doc", `{"version":1,"createdAt":"x","deviceId":"d","events":[],"snapshot":{"id":"s","timestamp":"t"}}`, apperrors.ErrValidation},
		{"appVersion number", `{"version":1,"createdAt":"x","deviceId":"d","appVersion":3,"events":[]}`, apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBackupPayload([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err), "error: %v", err)
		})
	}
}

// TestParseBackupPayload_sortsAndDefaults verifies sorting and payload
// defaults.
func TestParseBackupPayload_sortsAndDefaults(t *testing.T) {
	raw := `{"version":1,"createdAt":"x","deviceId":"d","snapshot":null,"events":[
		{"id":"evt-1000-3","type":"note.created","timestamp":"2024-01-01T00:00:00.000Z","deviceId":"d"},
		{"id":"evt-1000-1","type":"note.created","timestamp":"2024-01-01T00:00:00.000Z","deviceId":"d","payload":null},
		{"id":"evt-1000-2","type":"note.created","timestamp":"2024-01-01T00:00:00.000Z","deviceId":"d","payload":{ "body" : "x" }}
	]}`
	p, err := ParseBackupPayload([]byte(raw))
	require.NoError(t, err)
	require.Len(t, p.Events, 3)
	assert.Equal(t, "evt-1000-1", p.Events[0].ID)
	assert.Equal(t, "evt-1000-2", p.Events[1].ID)
	assert.Equal(t, "evt-1000-3", p.Events[2].ID)
	assert.JSONEq(t, `{}`, string(p.Events[0].Payload))
	assert.Equal(t, `{"body":"x"}`, string(p.Events[1].Payload))
	assert.Nil(t, p.Snapshot)
}

// =====================================================
// Encryption
// =====================================================

// TestDecryptBackupPayload_classification verifies the decrypt taxonomy.
func TestDecryptBackupPayload_classification(t *testing.T) {
	good, err := testCipher("passphrase-one")
	require.NoError(t, err)
	bad, err := testCipher("passphrase-two")
	require.NoError(t, err)

	p := &BackupPayload{Version: 1, CreatedAt: "x", DeviceID: "d"}
	sealed, err := EncryptBackupPayload(good, p)
	require.NoError(t, err)

	got, err := DecryptBackupPayload(good, sealed)
	require.NoError(t, err)
	assert.Equal(t, "d", got.DeviceID)
	assert.Empty(t, got.Events)

	_, err = DecryptBackupPayload(bad, sealed)
	assert.Equal(t, DecryptInvalidGhash, DecryptKind(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrDecryptInvalidGhash))

	_, err = DecryptBackupPayload(good, []byte("not a backup"))
	assert.Equal(t, DecryptUnknown, DecryptKind(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrDecryptUnknown))

	plainGarbage, err := good.Encrypt([]byte(`{"version":1}`))
	require.NoError(t, err)
	_, err = DecryptBackupPayload(good, plainGarbage)
	assert.Equal(t, DecryptErrorKind(""), DecryptKind(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// =====================================================
// Import
// =====================================================

// TestImportBackupPayload_replaceWithSnapshot verifies prior storage is
// replaced by exactly the payload content.
func TestImportBackupPayload_replaceWithSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, &models.Snapshot{ID: "old", Doc: "AA", Timestamp: "2023-01-01T00:00:00.000Z"},
		orgEvent("evt-1-1", "2023-01-01T00:00:00.000Z"),
		orgEvent("evt-1-2", "2023-01-01T00:00:00.000Z"),
		orgEvent("evt-1-3", "2023-01-01T00:00:00.000Z"),
	)

	p := &BackupPayload{
		Version: 1, CreatedAt: "x", DeviceID: "d",
		Events: []events.Event{
			orgEvent("evt-9-1", "2024-01-01T00:00:00.000Z"),
			orgEvent("evt-9-2", "2024-01-01T00:00:00.000Z"),
		},
		Snapshot: emptySnapshot(t, "new", "2024-01-01T00:00:00.000Z"),
	}
	res, err := ImportBackupPayload(ctx, s, p, ModeReplace)
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Mode: ModeReplace, EventsImported: 2, SnapshotApplied: true}, res)

	ne, ns := counts(t, s)
	assert.Equal(t, 2, ne)
	assert.Equal(t, 1, ns)
	latest, err := s.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)
}

// TestImportBackupPayload_replaceWithoutSnapshot verifies events-only
// replace.
func TestImportBackupPayload_replaceWithoutSnapshot(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, &models.Snapshot{ID: "old", Doc: "AA", Timestamp: "t"}, orgEvent("evt-1-1", "t"))

	p := &BackupPayload{Version: 1, CreatedAt: "x", DeviceID: "d",
		Events: []events.Event{orgEvent("evt-2-1", "t")}}
	res, err := ImportBackupPayload(context.Background(), s, p, ModeReplace)
	require.NoError(t, err)
	assert.False(t, res.SnapshotApplied)

	ne, ns := counts(t, s)
	assert.Equal(t, 1, ne)
	assert.Equal(t, 0, ns)
}

// TestImportBackupPayload_mergeIdempotent verifies a second merge skips
// everything and stores nothing new.
func TestImportBackupPayload_mergeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, emptySnapshot(t, "keep", "t"), orgEvent("evt-1-1", "t"))

	p := &BackupPayload{Version: 1, CreatedAt: "x", DeviceID: "d",
		Events: []events.Event{orgEvent("evt-1-1", "t"), orgEvent("evt-1-2", "t"), orgEvent("evt-1-3", "t")},
		Snapshot: &models.Snapshot{ID: "ignored", Doc: "not a document", Timestamp: "u"}}

	first, err := ImportBackupPayload(ctx, s, p, ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, 2, first.EventsImported)
	assert.Equal(t, 1, first.EventsSkipped)
	assert.False(t, first.SnapshotApplied)

	ne, ns := counts(t, s)
	assert.Equal(t, 3, ne)
	assert.Equal(t, 1, ns)

	second, err := ImportBackupPayload(ctx, s, p, ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EventsImported)
	assert.Equal(t, len(p.Events), second.EventsSkipped)

	ne, _ = counts(t, s)
	assert.Equal(t, 3, ne)
}

// TestImportBackupPayload_conflictRollsBack verifies an import whose events
// no longer fold into the local log stores nothing and leaves a loadable
// store.
func TestImportBackupPayload_conflictRollsBack(t *testing.T) {
	ts := "2024-01-01T00:00:00.000Z"
	tests := []struct {
		name string
		mode ImportMode
		evs  []events.Event
	}{
		{
			name: "merge duplicate create",
			mode: ModeMerge,
			evs:  []events.Event{orgEvent("evt-2-1", ts), contactEvent("evt-2-2", "c1", ts)},
		},
		{
			name: "replace with broken log",
			mode: ModeReplace,
			evs:  []events.Event{contactEvent("evt-2-1", "c2", ts), contactEvent("evt-2-2", "c2", ts)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			seed(t, s, nil, contactEvent("evt-1-1", "c1", ts))

			p := &BackupPayload{Version: 1, CreatedAt: "x", DeviceID: "dev-b", Events: tt.evs}
			_, err := ImportBackupPayload(ctx, s, p, tt.mode)
			assert.True(t, apperrors.Is(err, apperrors.ErrImportFailed))

			ne, _ := counts(t, s)
			assert.Equal(t, 1, ne)
			st, err := loader.LoadPersistedState(ctx, s)
			require.NoError(t, err)
			assert.Contains(t, st.Doc.Contacts, "c1")
		})
	}
}

// TestImportBackupPayload_unknownMode verifies mode validation.
func TestImportBackupPayload_unknownMode(t *testing.T) {
	_, err := ImportBackupPayload(context.Background(), newTestStore(t), &BackupPayload{}, "overwrite")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// =====================================================
// Service
// =====================================================

type memRemote struct {
	objects map[string][]byte
}

func (m *memRemote) Put(_ context.Context, key string, body []byte) error {
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memRemote) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return b, nil
}

func (m *memRemote) List(context.Context) ([]string, error) {
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestService(t *testing.T, s *db.Store, now time.Time, remote Remote) *Service {
	t.Helper()
	return NewService(s, ServiceConfig{
		DeviceID:  "dev-a",
		NewCipher: testCipher,
		Remote:    remote,
		Now:       func() time.Time { return now },
	})
}

// TestService_exportImport verifies a file round-trip between two stores.
func TestService_exportImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := newTestStore(t)
	seed(t, src, nil, orgEvent("evt-1-1", "t"), orgEvent("evt-1-2", "t"))

	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	remote := &memRemote{objects: map[string][]byte{}}
	res, err := newTestService(t, src, now, remote).Export(ctx, dir, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "crmorbit-backup-20240506-070809.crmbackup"), res.FilePath)
	assert.Equal(t, 2, res.EventCount)
	assert.True(t, res.Uploaded)
	assert.Contains(t, remote.objects, "crmorbit-backup-20240506-070809.crmbackup")

	_, err = os.Stat(res.FilePath + ".tmp")
	assert.True(t, os.IsNotExist(err))

	dst := newTestStore(t)
	imported, err := newTestService(t, dst, now, nil).Import(ctx, res.FilePath, "correct horse", ModeReplace)
	require.NoError(t, err)
	assert.Equal(t, 2, imported.EventsImported)

	fromRemote, err := newTestService(t, dst, now, remote).ImportRemote(ctx,
		"crmorbit-backup-20240506-070809.crmbackup", "correct horse", ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, 2, fromRemote.EventsSkipped)
}

// TestService_importWrongPassphraseKeepsData verifies nothing is cleared
// when decryption fails.
func TestService_importWrongPassphraseKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStore(t)
	seed(t, s, nil, orgEvent("evt-1-1", "t"))
	svc := newTestService(t, s, time.Now(), nil)

	res, err := svc.Export(ctx, dir, "correct horse")
	require.NoError(t, err)

	_, err = svc.Import(ctx, res.FilePath, "battery staple", ModeReplace)
	assert.Equal(t, DecryptInvalidGhash, DecryptKind(err))

	ne, _ := counts(t, s)
	assert.Equal(t, 1, ne)
}

// TestListAndPruneBackups verifies ordering and retention.
func TestListAndPruneBackups(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		name := FileName(base.Add(time.Duration(i) * time.Hour))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	list, err := ListBackups(dir)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, base.Add(3*time.Hour), list[0].CreatedAt)

	svc := newTestService(t, newTestStore(t), base, nil)
	removed, err := svc.PruneBackups(dir, 2)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	list, err = svc.ListBackups(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, base.Add(2*time.Hour), list[1].CreatedAt)

	missing, err := ListBackups(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
