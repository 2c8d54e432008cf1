package ops

import "github.com/sirupsen/logrus"

// NewLogger builds the package-scoped *logrus.Entry each component
// attaches its own fields to, matching the teacher's one-entry-per-
// component convention rather than a single global logger.
func NewLogger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// PublishLog logs msg at level with the given alternating key/value
// pairs, mirroring go/runtime/ops.go's ops.PublishLog convention so
// callers don't need to build a logrus.Fields map by hand at each call
// site.
func PublishLog(log *logrus.Entry, level logrus.Level, msg string, kv ...any) {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	log.WithFields(fields).Log(level, msg)
}
