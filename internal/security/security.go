package security

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dotcommander/secplugd/internal/manifestval"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// Layer wires the four security sub-concerns together behind one
// surface the Loader and Manager call into: manifest validation,
// static scanning, signature verification, and the audit/intrusion
// state.
type Layer struct {
	logger    *slog.Logger
	scanner   *Scanner
	verifier  *Verifier
	audit     *AuditLog
	intrusion *IntrusionDetector

	scanPlugins      bool
	requireSignature bool

	// verifyGroup collapses concurrent signature verifications for the
	// same plugin id (e.g. overlapping reload requests) into one.
	verifyGroup singleflight.Group
}

// Options configures a security Layer.
type Options struct {
	Logger           *slog.Logger
	AuditDir         string
	ScanPlugins      bool
	RequireSignature bool
	PublicKeyPath    string
	Intrusion        IntrusionConfig
}

// NewLayer builds the Layer, opening the audit log (fatal on failure)
// and loading the public key when signature checking is on.
func NewLayer(opts Options) (*Layer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	audit, err := OpenAuditLog(opts.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	layer := &Layer{
		logger:           logger.With("component", "security"),
		scanner:          NewScanner(0),
		audit:            audit,
		intrusion:        NewIntrusionDetector(opts.Intrusion),
		scanPlugins:      opts.ScanPlugins,
		requireSignature: opts.RequireSignature,
	}

	if opts.RequireSignature {
		verifier, err := NewVerifier(opts.PublicKeyPath)
		if err != nil {
			audit.Close()
			return nil, fmt.Errorf("loading signature public key: %w", err)
		}
		layer.verifier = verifier
	}

	return layer, nil
}

// ValidateManifest runs structural and permission-enum validation. A
// wildcard permission request validates but is recorded as a
// high-severity audit note.
func (l *Layer) ValidateManifest(m *secplugin.Manifest) error {
	if err := manifestval.ValidateManifest(m); err != nil {
		return err
	}
	if m.HasWildcard() {
		l.logger.Warn("manifest requests wildcard permission", "plugin", m.ID)
		if _, err := l.audit.Append(m.ID, EventLoad, map[string]string{
			"note":     "wildcard permission requested",
			"severity": string(SeverityHigh),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CheckSource scans the plugin's bundled sources when scanning is
// enabled. A high-severity finding fails the check with
// ErrScanHighSeverity after appending a scan_fail audit entry.
func (l *Layer) CheckSource(pluginID, pluginDir, entrySource string) (*ScanResult, error) {
	if !l.scanPlugins {
		return &ScanResult{PluginID: pluginID}, nil
	}

	result, err := l.scanner.ScanPlugin(pluginID, pluginDir, entrySource)
	if err != nil {
		return nil, err
	}

	if result.HasHighSeverity() {
		l.logger.Warn("static scan failed", "plugin", pluginID, "issues", len(result.Issues))
		if _, err := l.audit.Append(pluginID, EventScanFail, result); err != nil {
			return nil, err
		}
		return result, secplugin.ErrScanHighSeverity
	}

	if len(result.Issues) > 0 {
		l.logger.Info("static scan found non-fatal issues", "plugin", pluginID, "issues", len(result.Issues))
	}
	return result, nil
}

// VerifySignature checks plugin.sig when signature verification is
// enabled; concurrent calls for the same plugin id share one
// verification. Failure appends a sig_fail audit entry.
func (l *Layer) VerifySignature(pluginID, pluginDir, entrySource string) error {
	if !l.requireSignature {
		return nil
	}

	_, err, _ := l.verifyGroup.Do(pluginID, func() (any, error) {
		return nil, l.verifier.Verify(pluginDir, entrySource)
	})
	if err != nil {
		l.logger.Warn("signature verification failed", "plugin", pluginID, "error", err)
		if _, auditErr := l.audit.Append(pluginID, EventSigFail, map[string]string{
			"error": err.Error(),
		}); auditErr != nil {
			return auditErr
		}
		return err
	}
	return nil
}

// RecordViolation counts one runtime violation (permission_denied,
// capability_violation, or plugin_error) against pluginID, appends the
// matching audit entry, and reports whether the plugin just crossed
// into quarantine. Crossing appends the single intrusion entry.
func (l *Layer) RecordViolation(pluginID string, kind secplugin.Kind, detail string) (quarantined bool, err error) {
	auditKind := EventExecuteFail
	if kind == secplugin.KindPermissionDenied {
		auditKind = EventPermissionDenied
	}
	if _, err := l.audit.Append(pluginID, auditKind, map[string]string{
		"kind":   string(kind),
		"detail": detail,
	}); err != nil {
		return false, err
	}

	if !l.intrusion.RecordViolation(pluginID) {
		return false, nil
	}

	l.logger.Warn("plugin quarantined", "plugin", pluginID,
		"until", l.intrusion.QuarantinedUntil(pluginID).Format(time.RFC3339))
	if _, err := l.audit.Append(pluginID, EventIntrusion, map[string]string{
		"trigger": string(kind),
		"until":   l.intrusion.QuarantinedUntil(pluginID).Format(time.RFC3339Nano),
	}); err != nil {
		return true, err
	}
	return true, nil
}

// IsQuarantined reports whether pluginID is under intrusion
// quarantine.
func (l *Layer) IsQuarantined(pluginID string) bool {
	return l.intrusion.IsQuarantined(pluginID)
}

// ClearIntrusionState is the explicit operator action that resets a
// plugin id's violation history.
func (l *Layer) ClearIntrusionState(pluginID string) {
	l.intrusion.ClearState(pluginID)
}

// Audit exposes the audit log for lifecycle entries appended by the
// Loader and Manager.
func (l *Layer) Audit() *AuditLog {
	return l.audit
}

// Intrusion exposes the detector for read-only projections.
func (l *Layer) Intrusion() *IntrusionDetector {
	return l.intrusion
}

// RequireSignature reports whether signature checking is on.
func (l *Layer) RequireSignature() bool {
	return l.requireSignature
}

// Close releases the audit log.
func (l *Layer) Close() error {
	return l.audit.Close()
}
