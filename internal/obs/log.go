package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// serviceLabel tags every log line so aggregated trial infrastructure logs
// stay attributable to this service.
const serviceLabel = "trialdiary-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line logger every subsystem writes through, so
// tests can redirect the whole service's output at once.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogJSON stamps the common envelope (ts, level, service, msg) and emits the
// entry as one JSON line. Callers supply only their own fields; envelope keys
// win over caller fields of the same name.
func LogJSON(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["service"] = serviceLabel
	entry["msg"] = msg
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","service":"` + serviceLabel + `","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
