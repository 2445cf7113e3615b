package index

import (
	"encoding/json"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// KeyringRef points at a device keyring archive and its detached signature,
// relative to the service base URL.
type KeyringRef struct {
	Archive   string `json:"archive"`
	Signature string `json:"signature"`
}

// Device is one device entry under a channel: where its index lives and,
// optionally, a device-signing keyring.
type Device struct {
	Index   string      `json:"index"`
	Keyring *KeyringRef `json:"keyring,omitempty"`
}

// Channel is one named update track.
type Channel struct {
	Alias   string            `json:"alias,omitempty"`
	Hidden  bool              `json:"hidden,omitempty"`
	Devices map[string]Device `json:"devices"`
}

// Channels is the parsed channels.json document.
type Channels map[string]Channel

// ParseChannels decodes channels.json. Both layouts are accepted: the
// current one with an explicit "devices" level (plus optional alias/hidden
// flags) and the legacy one where devices sit directly under the channel.
func ParseChannels(data []byte) (Channels, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.Wrap(err, "parse channels")
	}
	channels := make(Channels, len(raw))
	for name, val := range raw {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(val, &probe); err != nil {
			return nil, xerrors.Wrapf(err, "parse channel %s", name)
		}
		var ch Channel
		if _, ok := probe["devices"]; ok {
			if err := json.Unmarshal(val, &ch); err != nil {
				return nil, xerrors.Wrapf(err, "parse channel %s", name)
			}
		} else {
			if err := json.Unmarshal(val, &ch.Devices); err != nil {
				return nil, xerrors.Wrapf(err, "parse legacy channel %s", name)
			}
		}
		channels[name] = ch
	}
	return channels, nil
}

// Device resolves a channel/device pair, following one level of channel
// alias indirection.
func (c Channels) Device(channel, device string) (Device, error) {
	ch, ok := c[channel]
	if !ok {
		return Device{}, xerrors.Newf("channel %s not published", channel)
	}
	if len(ch.Devices) == 0 && ch.Alias != "" {
		aliased, ok := c[ch.Alias]
		if !ok {
			return Device{}, xerrors.Newf("channel %s aliases unknown channel %s", channel, ch.Alias)
		}
		ch = aliased
	}
	dev, ok := ch.Devices[device]
	if !ok {
		return Device{}, xerrors.Newf("device %s not published on channel %s", device, channel)
	}
	if dev.Index == "" {
		return Device{}, xerrors.Newf("device %s on channel %s has no index", device, channel)
	}
	return dev, nil
}
