// Package logging wires logrus the way linkerd2's controller packages do
// (see controller/api/destination/endpoint_translator.go:
// log.WithFields(logging.Fields{...})): a package-level logger,
// augmented per call site with structured fields pulled from
// reqcontext so every line carries request/actor/peer correlation
// without callers threading them through by hand.
package logging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"github.com/mesh-actingweb/actorcore/internal/reqcontext"
)

// Log is the process-wide logger. Tests may swap its Out/Level; there is
// no per-actor logger because log correlation comes from fields, not
// separate instances.
var Log = logrus.New()

func init() {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// FromContext returns a logrus.Entry pre-populated with request_id,
// actor_id and peer_id from ctx's reqcontext scope. Missing slots are
// simply omitted rather than logged as "-", since structured fields
// don't need the compact sentinel convention FormatCompact uses for
// plain-text lines.
func FromContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	for k, v := range reqcontext.AsMap(ctx) {
		fields[k] = v
	}
	return Log.WithFields(fields)
}

// Fingerprint returns a short, irreversible stand-in for a secret value
// (trust token, Bearer credential) safe to place in a log line. Mirrors
// the intent of actingweb/log_filter.py's secret redaction without its
// dynamic-typed field scanning: callers explicitly fingerprint the one
// field they know is sensitive.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:6]
}
