package firmware

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// datasetFile is the on-disk shape of a Thread operational dataset fixture:
// the hard-coded network key, name, PAN ID, channel, channel mask, and
// extended PAN ID a real node would compile in (spec §4.8 step 3). Kept as
// a YAML file rather than a Go literal so an operator can hand a node
// simulator a different mesh's dataset without a rebuild, matching how
// original_source/pmindp-esp32-thread/src/platform.rs's dataset constants
// are meant to vary per deployment.
type datasetFile struct {
	NetworkKey    string `yaml:"network_key"`
	NetworkName   string `yaml:"network_name"`
	PANID         uint16 `yaml:"pan_id"`
	Channel       uint8  `yaml:"channel"`
	ChannelMask   uint32 `yaml:"channel_mask"`
	ExtendedPANID string `yaml:"extended_pan_id"`
}

// LoadThreadDataset reads a Thread operational dataset fixture from a YAML
// file at path (spec §4.8 step 3, SUPPLEMENTED FEATURES).
func LoadThreadDataset(path string) (ThreadDataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ThreadDataset{}, fmt.Errorf("firmware: read dataset file %s: %w", path, err)
	}

	var df datasetFile
	if err := yaml.Unmarshal(b, &df); err != nil {
		return ThreadDataset{}, fmt.Errorf("firmware: parse dataset file %s: %w", path, err)
	}

	return ThreadDataset{
		NetworkKey:    df.NetworkKey,
		NetworkName:   df.NetworkName,
		PANID:         df.PANID,
		Channel:       df.Channel,
		ChannelMask:   df.ChannelMask,
		ExtendedPANID: df.ExtendedPANID,
	}, nil
}
