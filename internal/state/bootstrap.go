package state

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"github.com/keithlinneman/otaclient/internal/download"
	"github.com/keithlinneman/otaclient/internal/index"
	"github.com/keithlinneman/otaclient/internal/script"
	"github.com/keithlinneman/otaclient/internal/trust"
	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// Well-known service paths. Every signed artifact's detached signature
// lives next to it under the .sig suffix.
const (
	channelsRef     = "channels.json"
	imageMasterRef  = "gpg/image-master.tar.gz"
	imageSigningRef = "gpg/image-signing.tar.gz"
	blacklistRef    = "gpg/blacklist.tar.gz"
)

func sigRef(ref string) string { return ref + ".sig" }

// maxMetadataBytes bounds in-memory metadata fetches (keyrings, channels,
// index). Bulk artifacts go through the orchestrator instead.
const maxMetadataBytes = 8 << 20

// keyringCacheTTL keeps staged keyrings fresh across cycles without
// refetch storms; the blacklist is revocation data and expires faster.
const (
	keyringCacheTTL   = 30 * 24 * time.Hour
	blacklistCacheTTL = 24 * time.Hour
)

// checkCycle is everything one successful check produces. It stays alive
// through download and apply, then dies with the next check.
type checkCycle struct {
	store    *trust.Store
	index    *index.Index
	outcome  index.Outcome
	keyrings []script.KeyringFile
}

func (c *checkCycle) close() {
	if c != nil && c.store != nil {
		c.store.Close()
	}
}

// fetchBytes reads a metadata artifact fully into memory. No progress
// reporting; the sink is for the bulk artifact phase only.
func (c *Client) fetchBytes(ctx context.Context, ref string) ([]byte, error) {
	body, _, err := c.source.Open(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxMetadataBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", ref)
	}
	if len(data) > maxMetadataBytes {
		return nil, xerrors.Newf("%s exceeds %d byte metadata limit", ref, maxMetadataBytes)
	}
	return data, nil
}

// fetchSigned fetches an artifact and its detached signature.
func (c *Client) fetchSigned(ctx context.Context, ref string) (content, sig []byte, err error) {
	if content, err = c.fetchBytes(ctx, ref); err != nil {
		return nil, nil, err
	}
	if sig, err = c.fetchBytes(ctx, sigRef(ref)); err != nil {
		return nil, nil, err
	}
	return content, sig, nil
}

// importKeyring fetches, verifies and installs one keyring level, and
// stages the archive in the cache for the installer script.
func (c *Client) importKeyring(ctx context.Context, cycle *checkCycle, ref string, expected trust.KeyringType, ttl time.Duration) error {
	archive, sig, err := c.fetchSigned(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := cycle.store.ImportKeyring(archive, sig, expected); err != nil {
		return err
	}
	return c.stageKeyring(cycle, ref, archive, sig, ttl)
}

// stageKeyring publishes a verified keyring archive plus signature into
// the cache so Apply can reference them by path.
func (c *Client) stageKeyring(cycle *checkCycle, ref string, archive, sig []byte, ttl time.Duration) error {
	key := "keyrings/" + path.Base(ref)
	entry, err := c.cache.PublishBytes(key, archive, time.Now().Add(ttl))
	if err != nil {
		return err
	}
	sigEntry, err := c.cache.PublishBytes(key+".sig", sig, time.Now().Add(ttl))
	if err != nil {
		return err
	}
	for i, kr := range cycle.keyrings {
		// a refreshed keyring replaces its earlier staging
		if kr.Archive == entry.Path {
			cycle.keyrings[i].Signature = sigEntry.Path
			return nil
		}
	}
	cycle.keyrings = append(cycle.keyrings, script.KeyringFile{
		Archive:   entry.Path,
		Signature: sigEntry.Path,
	})
	return nil
}

// bootstrap runs the trust and metadata phase of a check: anchor keys,
// keyring chain, optional blacklist, channels, optional device keyring,
// then the signed index.
func (c *Client) bootstrap(ctx context.Context) (*checkCycle, error) {
	anchors, err := c.anchor.AnchorKeys(ctx)
	if err != nil {
		return nil, err
	}
	cycle := &checkCycle{store: trust.NewStore(c.model, anchors...)}
	ok := false
	defer func() {
		if !ok {
			cycle.close()
		}
	}()

	if err := c.importKeyring(ctx, cycle, imageMasterRef, trust.ImageMaster, keyringCacheTTL); err != nil {
		return nil, err
	}
	if err := c.importBlacklist(ctx, cycle); err != nil {
		return nil, err
	}
	if err := c.importKeyring(ctx, cycle, imageSigningRef, trust.ImageSigning, keyringCacheTTL); err != nil {
		return nil, err
	}

	device, err := c.loadChannels(ctx, cycle)
	if err != nil {
		return nil, err
	}
	if device.Keyring != nil {
		if err := c.importKeyring(ctx, cycle, device.Keyring.Archive, trust.DeviceSigning, keyringCacheTTL); err != nil {
			return nil, err
		}
	}

	idx, err := c.loadIndex(ctx, cycle, device.Index)
	if err != nil {
		return nil, err
	}
	cycle.index = idx
	ok = true
	return cycle, nil
}

// importBlacklist installs the revocation keyring. A channel with no
// blacklist is normal. A blacklist that fails verification gets one
// retry after refreshing image-master, in case the master rotated under
// us mid-cycle; a second failure aborts the check.
func (c *Client) importBlacklist(ctx context.Context, cycle *checkCycle) error {
	archive, err := c.fetchBytes(ctx, blacklistRef)
	if errors.Is(err, download.ErrNotFound) {
		c.log.Debug(ctx, "no blacklist published")
		return nil
	}
	if err != nil {
		return err
	}
	sig, err := c.fetchBytes(ctx, sigRef(blacklistRef))
	if err != nil {
		return err
	}

	_, err = cycle.store.ImportKeyring(archive, sig, trust.Blacklist)
	if kind, ok := trust.IsTrustError(err); ok && kind == trust.KindInvalidSignature {
		c.log.Warn(ctx, "blacklist rejected, refreshing image-master once", "error", err)
		if mErr := c.importKeyring(ctx, cycle, imageMasterRef, trust.ImageMaster, keyringCacheTTL); mErr != nil {
			return mErr
		}
		_, err = cycle.store.ImportKeyring(archive, sig, trust.Blacklist)
	}
	if err != nil {
		return err
	}
	return c.stageKeyring(cycle, blacklistRef, archive, sig, blacklistCacheTTL)
}

// loadChannels fetches and verifies channels.json and resolves this
// device's entry.
func (c *Client) loadChannels(ctx context.Context, cycle *checkCycle) (index.Device, error) {
	content, sig, err := c.fetchSigned(ctx, channelsRef)
	if err != nil {
		return index.Device{}, err
	}
	if err := cycle.store.Verify(content, sig, trust.ImageSigning); err != nil {
		return index.Device{}, err
	}
	channels, err := index.ParseChannels(content)
	if err != nil {
		return index.Device{}, err
	}
	return channels.Device(c.channel, c.device)
}

// loadIndex fetches and verifies the version index. Channel policy allows
// either image-signing or, on channels with a device keyring, the
// device-signing key.
func (c *Client) loadIndex(ctx context.Context, cycle *checkCycle, ref string) (*index.Index, error) {
	content, sig, err := c.fetchSigned(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := cycle.store.Verify(content, sig, trust.ImageSigning, trust.DeviceSigning); err != nil {
		return nil, err
	}
	return index.Parse(content)
}
