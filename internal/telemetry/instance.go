package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID reads the MQTT client ID from a file in
// dataDir, or generates a new UUIDv7 and persists it if the file does
// not exist. A stable client ID avoids broker-side session churn
// across restarts when the config file does not pin one explicitly.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "telemetry_client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate telemetry client ID: %w", err)
	}

	idStr := "dispatchcore-" + id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist telemetry client ID to %s: %w", path, err)
	}

	return idStr, nil
}
