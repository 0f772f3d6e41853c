package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentpilot/agentpilot"
	"github.com/agentpilot/agentpilot/transcript"
)

// reconcileOutcome summarizes what a replay reconciliation did.
type reconcileOutcome struct {
	// matched is the overlap length that anchored the import.
	matched int

	// imported is the number of message items written to the store.
	imported int

	// fullImport is set when the whole remote history was written: either
	// the local transcript was empty, or a divergence was approved.
	fullImport bool

	// diverged is set when no confident overlap was found. With fullImport
	// unset, nothing was imported.
	diverged bool
}

// divergencePreviewItems and divergencePreviewChars bound the transcript
// excerpts shown when asking the user to resolve a divergence.
const (
	divergencePreviewItems = 3
	divergencePreviewChars = 200
)

// reconcileTranscript aligns the history the agent replayed during
// session/load with the local transcript and imports the unseen delta.
//
// The anchor search walks overlap lengths from the largest candidate down:
// the suffix of the local tail is matched as a contiguous run inside the
// remote history. The largest k with any match decides: exactly one match
// of confident length anchors the import; anything else is a divergence,
// which imports nothing unless the responder approves a full import.
func reconcileTranscript(
	ctx context.Context,
	store transcript.Store,
	sessionID string,
	remote []transcript.TextItem,
	events []capturedEvent,
	responder agentpilot.PermissionResponder,
	log *slog.Logger,
) (reconcileOutcome, error) {
	var out reconcileOutcome
	if store == nil || len(remote) == 0 {
		return out, nil
	}

	local, err := store.FetchTail(ctx, sessionID, defaultHistoryTail)
	if err != nil {
		return out, fmt.Errorf("acp: reconcile: %w", err)
	}

	localFP := fingerprints(local)
	remoteFP := fingerprints(remote)

	importFrom := -1
	switch {
	case len(local) == 0:
		// Nothing local yet; the whole replay is new.
		importFrom = 0
		out.fullImport = true

	default:
		k, pos, matches := bestOverlap(localFP, remoteFP)
		minConfident := min(3, len(local))
		switch {
		case k == 0:
			out.diverged = true
		case matches > 1:
			out.diverged = true
		case k < minConfident:
			out.diverged = true
		default:
			out.matched = k
			importFrom = pos + k
		}
	}

	if out.diverged {
		approved := askDivergence(ctx, responder, sessionID, local, remote)
		if !approved {
			log.Warn("transcript divergence, keeping local history",
				"session", sessionID, "local", len(local), "remote", len(remote))
			return out, nil
		}
		out.fullImport = true
		importFrom = 0
	}

	// An anchored import takes message deltas only; captured tool events
	// ride along just when the whole remote history is being written.
	if !out.fullImport {
		events = nil
	}
	imported, err := importDelta(ctx, store, sessionID, remote, remoteFP, events, importFrom)
	out.imported = imported
	if err != nil {
		return out, err
	}

	// Watermark is advisory; a write failure must not fail the load.
	wm := transcript.Watermark{
		Fingerprint: remoteFP[len(remoteFP)-1],
		UpdatedAt:   time.Now().UTC(),
	}
	if werr := store.SaveWatermark(ctx, sessionID, wm); werr != nil {
		log.Warn("saving replay watermark failed", "session", sessionID, "err", werr)
	}
	return out, nil
}

// bestOverlap finds the largest k for which the last k local fingerprints
// occur contiguously in remote. Returns that k, the first match position,
// and the number of matches at that k. k == 0 means no overlap at all.
func bestOverlap(local, remote []string) (k, pos, matches int) {
	kMax := min(defaultMaxOverlap, min(len(local), len(remote)))
	for k = kMax; k >= 1; k-- {
		suffix := local[len(local)-k:]
		pos, matches = -1, 0
		for p := 0; p+k <= len(remote); p++ {
			if equalRun(remote[p:p+k], suffix) {
				if matches == 0 {
					pos = p
				}
				matches++
			}
		}
		if matches > 0 {
			return k, pos, matches
		}
	}
	return 0, -1, 0
}

func equalRun(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// importDelta writes remote[from:] and whatever captured events the caller
// passed in, attached after that point. Local ids are derived from content,
// so a retried import is a no-op at the store layer.
func importDelta(
	ctx context.Context,
	store transcript.Store,
	sessionID string,
	remote []transcript.TextItem,
	remoteFP []string,
	events []capturedEvent,
	from int,
) (int, error) {
	if from < 0 || from >= len(remote) {
		// Fully overlapped; nothing new to write.
		from = len(remote)
	}

	seen := make(map[string]int)
	imported := 0
	for i, fp := range remoteFP {
		ordinal := seen[fp]
		seen[fp] = ordinal + 1
		if i < from {
			continue
		}
		localID := importID(sessionID, "msg", fp, ordinal)
		if err := store.AppendMessage(ctx, sessionID, localID, remote[i].Role, remote[i].Text); err != nil {
			return imported, fmt.Errorf("acp: import replay message: %w", err)
		}
		imported++
	}

	for i, ev := range events {
		if ev.afterItem < from {
			continue
		}
		localID := importID(sessionID, ev.kind, digestPayload(ev.payload), i)
		if err := store.AppendEvent(ctx, sessionID, localID, ev.kind, ev.payload); err != nil {
			return imported, fmt.Errorf("acp: import replay event: %w", err)
		}
	}
	return imported, nil
}

// importID derives a deterministic local id for an imported item.
func importID(sessionID, kind, content string, ordinal int) string {
	name := fmt.Sprintf("%s|%s|%d|%s", sessionID, kind, ordinal, content)
	return "replay-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func digestPayload(payload json.RawMessage) string {
	return collapseWhitespace(string(payload))
}

// askDivergence routes a divergence decision through the permission
// responder. No responder, a responder error, or anything short of an
// approval keeps the local history untouched.
func askDivergence(
	ctx context.Context,
	responder agentpilot.PermissionResponder,
	sessionID string,
	local, remote []transcript.TextItem,
) bool {
	if responder == nil {
		return false
	}
	payload, _ := json.Marshal(map[string]any{
		"local":  previewItems(local),
		"remote": previewItems(remote),
	})
	prompt := agentpilot.PermissionPrompt{
		ID:        "divergence-" + uuid.NewString(),
		SessionID: sessionID,
		Reason:    "resumed session history diverges from the local transcript",
		Input:     payload,
		Options: []agentpilot.PermissionOption{
			{ID: "import_remote", Name: "Replace local history with the agent's", Kind: "allow_once"},
			{ID: "keep_local", Name: "Keep local history", Kind: "reject_once"},
		},
	}
	decision, err := responder(ctx, prompt)
	if err != nil {
		return false
	}
	return decision.Approves()
}

// previewItems renders the tail of a transcript for the divergence prompt.
func previewItems(items []transcript.TextItem) []map[string]string {
	start := len(items) - divergencePreviewItems
	if start < 0 {
		start = 0
	}
	out := make([]map[string]string, 0, len(items)-start)
	for _, it := range items[start:] {
		text := it.Text
		if len(text) > divergencePreviewChars {
			text = text[:divergencePreviewChars] + "…"
		}
		out = append(out, map[string]string{"role": it.Role, "text": text})
	}
	return out
}

// --- Fingerprinting ---

// fingerprints computes role-qualified, whitespace-insensitive content
// fingerprints. Agents re-wrap replayed text, so raw equality is useless.
func fingerprints(items []transcript.TextItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = strings.ToLower(it.Role) + "\x00" + collapseWhitespace(it.Text)
	}
	return out
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
