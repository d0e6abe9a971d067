package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

type uiStateData struct {
	LastTrainerAddress string `json:"last_trainer_address"`
	LastPlanID         string `json:"last_plan_id"`
}

// uiStatePersistence remembers the last trainer and plan across runs.
// Failures are logged and otherwise ignored.
type uiStatePersistence struct {
	filePath string
	logger   *log.Logger

	mu   sync.Mutex
	data uiStateData
}

func newUIStatePersistence(filePath string, logger *log.Logger) *uiStatePersistence {
	p := &uiStatePersistence{filePath: filePath, logger: logger}
	p.load()
	return p
}

func (p *uiStatePersistence) lastTrainerAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.LastTrainerAddress
}

func (p *uiStatePersistence) lastPlanID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.LastPlanID
}

func (p *uiStatePersistence) setLastTrainerAddress(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.LastTrainerAddress == address {
		return
	}
	p.data.LastTrainerAddress = address
	p.saveLocked()
}

func (p *uiStatePersistence) setLastPlanID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.LastPlanID == id {
		return
	}
	p.data.LastPlanID = id
	p.saveLocked()
}

func (p *uiStatePersistence) load() {
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("UIStatePersistence: load %s (no existing file)", p.filePath)
		return
	}
	var data uiStateData
	if err := json.Unmarshal(raw, &data); err != nil {
		p.logger.Printf("UIStatePersistence: load %s failed to parse: %v", p.filePath, err)
		return
	}
	p.data = data
	p.logger.Printf("UIStatePersistence: load %s -> trainer=%q plan=%q", p.filePath, data.LastTrainerAddress, data.LastPlanID)
}

// saveLocked MUST be called with mu held
func (p *uiStatePersistence) saveLocked() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("UIStatePersistence: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("UIStatePersistence: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("UIStatePersistence: save %s failed: %v", p.filePath, err)
		return
	}
	p.logger.Printf("UIStatePersistence: save %s", p.filePath)
}

// RememberedTrainer returns the trainer address saved at statePath by a
// previous run, or "".
func RememberedTrainer(statePath string, logger *log.Logger) string {
	return newUIStatePersistence(statePath, logger).lastTrainerAddress()
}
