package syncer

import (
	"encoding/json"
	"strings"

	"github.com/LatticeWorks/tether/gateway"
	"github.com/LatticeWorks/tether/models"
)

var _ gateway.InventoryProvider = &Orchestrator{}

const (
	devicePathPrefix = "devices/"
	scenePathPrefix  = "scenes/"
)

// FullSync answers a node's request_full_sync pull with the deployed
// device and scene definitions. Inventory grouping follows the path
// convention: devices/ and scenes/ subtrees of the deployed set.
func (o *Orchestrator) FullSync(ownerID string) (models.FullSyncPayload, error) {
	deployed, err := o.files.ReadAll(ownerID, models.StateDeployed)
	if err != nil {
		return models.FullSyncPayload{}, err
	}

	payload := models.FullSyncPayload{
		Devices: []json.RawMessage{},
		Scenes:  []json.RawMessage{},
	}
	for path, content := range deployed {
		switch {
		case strings.HasPrefix(path, devicePathPrefix):
			payload.Devices = append(payload.Devices, content)
		case strings.HasPrefix(path, scenePathPrefix):
			payload.Scenes = append(payload.Scenes, content)
		}
	}

	o.logger.Debug("full sync inventory assembled",
		"owner", ownerID, "devices", len(payload.Devices), "scenes", len(payload.Scenes))
	return payload, nil
}
