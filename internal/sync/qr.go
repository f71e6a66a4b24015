package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/golang/snappy"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spaolacci/murmur3"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/uuid"
)

const (
	// QRPrefix starts every chunked payload.
	QRPrefix = "crmorbit-sync"
	// QRProtocolVersion is the chunk format version.
	QRProtocolVersion = 1
	// DefaultQRChunkSize is the data length per code. Larger codes are
	// hard to scan from a phone screen.
	DefaultQRChunkSize = 800
	// QRImageSize is the PNG edge length in pixels.
	QRImageSize = 512
)

// SyncQRCodeChunk is one scanned code. Index is 1-based.
type SyncQRCodeChunk struct {
	BundleID string `json:"bundleId"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     string `json:"data"`
}

// QRBundle is an outbound change set split into codes.
type QRBundle struct {
	BundleID string   `json:"bundleId"`
	Payloads []string `json:"payloads"`
	// Images holds one PNG per payload.
	Images [][]byte `json:"images,omitempty"`
}

// EncodeSyncBundle compresses an envelope into QR-safe text.
func EncodeSyncBundle(env Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(snappy.Encode(nil, raw)), nil
}

// DecodeSyncBundle reverses EncodeSyncBundle.
func DecodeSyncBundle(data string) (Envelope, error) {
	var env Envelope
	compressed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return env, apperrors.Wrap(apperrors.ErrValidation, "sync bundle is not base64", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return env, apperrors.Wrap(apperrors.ErrValidation, "sync bundle is corrupt", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, apperrors.Wrap(apperrors.ErrValidation, "sync bundle is not an envelope", err)
	}
	return env, nil
}

// BundleID derives a stable id from the bundle data.
func BundleID(data string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(data)))
}

// SplitSyncBundle cuts data into QR payloads. Data that fits one code is
// returned unprefixed.
func SplitSyncBundle(data string, chunkSize int) (string, []string) {
	if chunkSize <= 0 {
		chunkSize = DefaultQRChunkSize
	}
	id := BundleID(data)
	if len(data) <= chunkSize {
		return id, []string{data}
	}
	total := (len(data) + chunkSize - 1) / chunkSize
	payloads := make([]string, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		payloads = append(payloads, fmt.Sprintf("%s|%d|%s|%d|%d|%s",
			QRPrefix, QRProtocolVersion, id, i+1, total, data[i*chunkSize:end]))
	}
	return id, payloads
}

// ParseSyncQRCode decodes one scanned payload. A payload without the
// prefix is a whole bundle in a single code.
func ParseSyncQRCode(payload string) (SyncQRCodeChunk, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return SyncQRCodeChunk{}, apperrors.New(apperrors.ErrValidation, "empty QR payload")
	}
	if !strings.HasPrefix(payload, QRPrefix+"|") {
		return SyncQRCodeChunk{BundleID: BundleID(payload), Index: 1, Total: 1, Data: payload}, nil
	}

	parts := strings.SplitN(payload, "|", 6)
	if len(parts) != 6 {
		return SyncQRCodeChunk{}, apperrors.Newf(apperrors.ErrValidation, "malformed QR payload: %d fields", len(parts))
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return SyncQRCodeChunk{}, apperrors.Newf(apperrors.ErrValidation, "malformed QR version %q", parts[1])
	}
	if version != QRProtocolVersion {
		return SyncQRCodeChunk{}, apperrors.Newf(apperrors.ErrUnsupportedVersion, "unsupported QR protocol version %d", version)
	}
	index, err := strconv.Atoi(parts[3])
	if err != nil {
		return SyncQRCodeChunk{}, apperrors.Newf(apperrors.ErrValidation, "malformed QR index %q", parts[3])
	}
	total, err := strconv.Atoi(parts[4])
	if err != nil {
		return SyncQRCodeChunk{}, apperrors.Newf(apperrors.ErrValidation, "malformed QR total %q", parts[4])
	}
	c := SyncQRCodeChunk{BundleID: parts[2], Index: index, Total: total, Data: parts[5]}
	switch {
	case c.BundleID == "":
		return c, apperrors.New(apperrors.ErrValidation, "QR payload has no bundle id")
	case c.Total < 1 || c.Index < 1 || c.Index > c.Total:
		return c, apperrors.Newf(apperrors.ErrValidation, "QR chunk %d/%d out of range", c.Index, c.Total)
	}
	return c, nil
}

// AssembleSyncChunks joins the data of a complete bundle in index order.
// The chunks must share one bundle id and cover 1..total exactly once, in
// any order.
func AssembleSyncChunks(chunks []SyncQRCodeChunk) (string, error) {
	if len(chunks) == 0 {
		return "", apperrors.New(apperrors.ErrIncompleteBundle, "no chunks to assemble")
	}
	id, total := chunks[0].BundleID, chunks[0].Total
	if total < 1 {
		return "", apperrors.Newf(apperrors.ErrIncompleteBundle, "bundle %s: invalid total %d", id, total)
	}

	byIndex := make(map[int]string, total)
	var duplicate []int
	for _, c := range chunks {
		if c.BundleID != id {
			return "", apperrors.Newf(apperrors.ErrIncompleteBundle, "chunks belong to bundles %s and %s", id, c.BundleID)
		}
		if c.Total != total {
			return "", apperrors.Newf(apperrors.ErrIncompleteBundle, "bundle %s: chunks disagree on total (%d and %d)", id, total, c.Total)
		}
		if c.Index < 1 || c.Index > total {
			return "", apperrors.Newf(apperrors.ErrIncompleteBundle, "bundle %s: index %d out of range 1..%d", id, c.Index, total)
		}
		if _, seen := byIndex[c.Index]; seen {
			duplicate = append(duplicate, c.Index)
			continue
		}
		byIndex[c.Index] = c.Data
	}

	var missing []int
	for i := 1; i <= total; i++ {
		if _, ok := byIndex[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 || len(duplicate) > 0 {
		sort.Ints(duplicate)
		return "", apperrors.Newf(apperrors.ErrIncompleteBundle,
			"bundle %s incomplete: missing %v, duplicate %v", id, missing, duplicate)
	}

	var b strings.Builder
	for i := 1; i <= total; i++ {
		b.WriteString(byIndex[i])
	}
	return b.String(), nil
}

// RenderQRCodes renders each payload as a PNG.
func RenderQRCodes(payloads []string) ([][]byte, error) {
	images := make([][]byte, 0, len(payloads))
	for i, p := range payloads {
		png, err := qrcode.Encode(p, qrcode.Medium, QRImageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to render QR code %d: %w", i+1, err)
		}
		images = append(images, png)
	}
	return images, nil
}

// GenerateSyncQRCode encodes the changes peerID has not acknowledged as a
// QR bundle. With render set, PNG images are included.
func (o *Orchestrator) GenerateSyncQRCode(ctx context.Context, peerID string, render bool) (*QRBundle, error) {
	var since []string
	if peerID != "" {
		cp, err := o.host.Checkpoint(ctx, peerID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			since = cp.Heads
		}
	}
	changes, count, heads, err := o.host.ChangesSince(since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to collect local changes", err)
	}
	data, err := EncodeSyncBundle(Envelope{
		Type:      EnvelopeRequest,
		DeviceID:  o.host.DeviceID(),
		Timestamp: events.FormatTimestamp(o.now()),
		Heads:     heads,
		Changes:   changes,
		Count:     count,
	})
	if err != nil {
		return nil, err
	}

	id, payloads := SplitSyncBundle(data, DefaultQRChunkSize)
	bundle := &QRBundle{BundleID: id, Payloads: payloads}
	if render {
		if bundle.Images, err = RenderQRCodes(payloads); err != nil {
			return nil, err
		}
	}
	logging.Info("sync QR bundle generated", map[string]interface{}{
		"bundle_id": id,
		"chunks":    len(payloads),
		"changes":   count,
	})
	return bundle, nil
}

// =====================================================
// Receiver
// =====================================================

// QR apply statuses.
const (
	QRStatusPending = "pending"
	QRStatusApplied = "applied"
)

// QRApplyResult reports progress of a scanned bundle.
type QRApplyResult struct {
	Status   string             `json:"status"`
	BundleID string             `json:"bundleId"`
	Received int                `json:"received"`
	Total    int                `json:"total"`
	PeerID   string             `json:"peerId,omitempty"`
	Doc      *document.Document `json:"doc,omitempty"`
}

// QRReceiver buffers scanned chunks per bundle until a bundle is complete.
type QRReceiver struct {
	host  Host
	state *SyncState
	now   func() time.Time

	mu      gosync.Mutex
	buffers map[string]map[int]SyncQRCodeChunk
}

// NewQRReceiver creates a receiver. state may be nil.
func NewQRReceiver(host Host, state *SyncState) *QRReceiver {
	return &QRReceiver{
		host:    host,
		state:   state,
		now:     time.Now,
		buffers: make(map[string]map[int]SyncQRCodeChunk),
	}
}

// ApplyManualSyncQR buffers one scanned payload. While the bundle is
// incomplete it reports pending; once complete it decodes the bundle,
// merges it and records the sender's checkpoint. A bundle whose merge
// fails stays buffered, so scanning any of its codes again retries.
func (r *QRReceiver) ApplyManualSyncQR(ctx context.Context, payload string) (*QRApplyResult, error) {
	chunk, err := ParseSyncQRCode(payload)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	buf := r.buffers[chunk.BundleID]
	if buf == nil {
		buf = make(map[int]SyncQRCodeChunk)
		r.buffers[chunk.BundleID] = buf
	}
	if total, ok := bufferedTotal(buf); ok && total != chunk.Total {
		r.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrIncompleteBundle,
			"bundle %s: chunk total %d does not match %d", chunk.BundleID, chunk.Total, total)
	}
	buf[chunk.Index] = chunk
	received := len(buf)
	if received < chunk.Total {
		r.mu.Unlock()
		return &QRApplyResult{Status: QRStatusPending, BundleID: chunk.BundleID, Received: received, Total: chunk.Total}, nil
	}
	chunks := make([]SyncQRCodeChunk, 0, len(buf))
	for _, c := range buf {
		chunks = append(chunks, c)
	}
	r.mu.Unlock()

	env, err := decodeChunks(chunks)
	if err != nil {
		// rescanning cannot fix a corrupt bundle
		r.Discard(chunk.BundleID)
		return nil, err
	}

	session := models.SyncSession{
		ID:        uuid.New(),
		PeerID:    env.DeviceID,
		Method:    models.SyncMethodQRCode,
		Status:    models.SyncStatusSyncing,
		StartedAt: r.now(),
	}
	if r.state != nil {
		r.state.StartSession(session)
	}

	// QR is one way: the sender holds its own heads and nothing of ours
	doc, applied, err := r.host.CommitMerge(ctx, env.DeviceID, env.Changes, env.Heads)
	if err != nil {
		if r.state != nil {
			r.state.FailSession(session.ID, err, r.now())
		}
		// chunks stay buffered so one rescan retries the merge
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to merge QR bundle", err)
	}
	r.Discard(chunk.BundleID)
	if r.state != nil {
		r.state.UpdateSession(session.ID, SessionPatch{ChangesReceived: &applied})
		r.state.CompleteSession(session.ID, r.now())
	}

	logging.Info("sync QR bundle applied", map[string]interface{}{
		"bundle_id": chunk.BundleID,
		"peer_id":   env.DeviceID,
		"changes":   applied,
	})
	return &QRApplyResult{
		Status:   QRStatusApplied,
		BundleID: chunk.BundleID,
		Received: chunk.Total,
		Total:    chunk.Total,
		PeerID:   env.DeviceID,
		Doc:      doc,
	}, nil
}

func decodeChunks(chunks []SyncQRCodeChunk) (Envelope, error) {
	data, err := AssembleSyncChunks(chunks)
	if err != nil {
		return Envelope{}, err
	}
	env, err := DecodeSyncBundle(data)
	if err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(EnvelopeRequest); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func bufferedTotal(buf map[int]SyncQRCodeChunk) (int, bool) {
	for _, c := range buf {
		return c.Total, true
	}
	return 0, false
}

// Pending returns how many chunks each incomplete bundle has.
func (r *QRReceiver) Pending() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.buffers))
	for id, buf := range r.buffers {
		out[id] = len(buf)
	}
	return out
}

// Discard drops a partially scanned bundle.
func (r *QRReceiver) Discard(bundleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, bundleID)
}

// Reset drops every buffered bundle.
func (r *QRReceiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[string]map[int]SyncQRCodeChunk)
}
