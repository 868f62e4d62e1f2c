package protocol

import (
	"bytes"
	"time"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
)

// PackageBox is an ordered list of packages bound to a remote device and
// a tunnel key.
type PackageBox struct {
	remote   device.DeviceId
	key      crypto.AesKey
	packages []Package

	// set on decode when the key arrived sealed in the box itself
	newKey bool
	// set on decode when the keystore already had the key confirmed
	confirmed bool
}

// NewPackageBox creates an empty box.
func NewPackageBox(remote device.DeviceId, key crypto.AesKey) *PackageBox {
	return &PackageBox{remote: remote, key: key}
}

// Remote returns the remote device id.
func (b *PackageBox) Remote() device.DeviceId { return b.remote }

// Key returns the tunnel key.
func (b *PackageBox) Key() crypto.AesKey { return b.key }

// Packages returns the packages in order.
func (b *PackageBox) Packages() []Package { return b.packages }

// Push appends packages.
func (b *PackageBox) Push(pkgs ...Package) *PackageBox {
	b.packages = append(b.packages, pkgs...)
	return b
}

// IsEmpty reports whether the box has no packages.
func (b *PackageBox) IsEmpty() bool { return len(b.packages) == 0 }

// HasExchange reports whether the first package is an Exchange.
func (b *PackageBox) HasExchange() bool {
	_, ok := b.Exchange()
	return ok
}

// Exchange returns the leading Exchange package, if any.
func (b *PackageBox) Exchange() (*Exchange, bool) {
	if len(b.packages) == 0 {
		return nil, false
	}
	e, ok := b.packages[0].(*Exchange)
	return e, ok
}

// CommandPackages returns the packages after a leading Exchange.
func (b *PackageBox) CommandPackages() []Package {
	if b.HasExchange() {
		return b.packages[1:]
	}
	return b.packages
}

// IsNewKey reports whether the key was unsealed from this box rather than
// found in the keystore.
func (b *PackageBox) IsNewKey() bool { return b.newKey }

// IsKeyConfirmed reports whether the keystore already trusted the key.
func (b *PackageBox) IsKeyConfirmed() bool { return b.confirmed }

// BoxEncodeContext selects the on-wire layout of a box.
type BoxEncodeContext struct {
	keyed           bool
	remoteBoxPublic [32]byte
	ignoreExchange  bool
}

// FirstBoxContext encodes a keyed box: a mix hash prefix, and the sealed
// key when the box carries an Exchange. Used for UDP and for the first box
// on a TCP connection.
func FirstBoxContext(remote *device.Device) *BoxEncodeContext {
	ctx := &BoxEncodeContext{keyed: true}
	if remote != nil {
		ctx.remoteBoxPublic = remote.Desc.BoxPublic
	}
	return ctx
}

// OtherBoxContext encodes a plain box for an established TCP connection.
func OtherBoxContext() *BoxEncodeContext {
	return &BoxEncodeContext{}
}

// IgnoreExchange makes a keyed context skip the sealed key even when the
// box carries an Exchange.
func (c *BoxEncodeContext) IgnoreExchange() *BoxEncodeContext {
	c.ignoreExchange = true
	return c
}

// EncodeBox encodes box into dst and returns the bytes used; the remaining
// buffer is dst[n:]. Packages are encoded in order and encrypted in place,
// so n includes the cipher overhead.
func EncodeBox(box *PackageBox, dst []byte, ctx *BoxEncodeContext) (int, error) {
	if box.IsEmpty() {
		return 0, errs.New(errs.CodeInvalidParam, "empty package box")
	}

	off := 0
	if ctx.keyed {
		if box.HasExchange() && !ctx.ignoreExchange {
			sealed, err := crypto.SealKey(box.key, ctx.remoteBoxPublic)
			if err != nil {
				return 0, err
			}
			if len(dst) < len(sealed) {
				return 0, errs.New(errs.CodeOutOfLimit, "buffer not enough for sealed key")
			}
			off += copy(dst, sealed)
		}
		if len(dst)-off < crypto.MixHashSize {
			return 0, errs.New(errs.CodeOutOfLimit, "buffer not enough for mix hash")
		}
		hash := box.key.CurrentMixHash()
		off += copy(dst[off:], hash[:])
	}

	region := dst[off:]
	if len(region) < crypto.BoxOverhead {
		return 0, errs.New(errs.CodeOutOfLimit, "buffer not enough for box")
	}
	w := NewWriter(region[crypto.BoxNonceSize : len(region)-crypto.BoxTagSize])
	mctx := NewMergeContext()
	for i, pkg := range box.packages {
		if err := EncodePackage(w, mctx, i == 0, pkg); err != nil {
			return 0, err
		}
	}

	n, err := box.key.EncryptInPlace(region, w.Len())
	if err != nil {
		return 0, errs.Wrap(errs.CodeOutOfLimit, "encrypt", err)
	}
	return off + n, nil
}

// KeyResolver resolves box keys on decode.
type KeyResolver interface {
	GetKeyByMixHash(hash crypto.MixHash, touch, confirm bool) (keystore.FoundKey, bool)
	OpenKey(sealed []byte) (crypto.AesKey, error)
}

// DecodeKeyedBox decodes a box produced with FirstBoxContext. The key is
// found by mix hash, or unsealed with the local identity; an unsealed key
// requires the first package to be an Exchange, whose sender becomes the
// box remote. The caller must verify that Exchange before trusting the box.
//
// Decryption happens in place: byte fields of the returned packages alias
// buf and are only valid while buf is.
func DecodeKeyedBox(buf []byte, keys KeyResolver) (*PackageBox, error) {
	if len(buf) < crypto.MixHashSize {
		return nil, errs.New(errs.CodeInvalidData, "box too short")
	}

	var hash crypto.MixHash
	copy(hash[:], buf)
	if fk, ok := keys.GetKeyByMixHash(hash, true, false); ok {
		box := NewPackageBox(fk.Remote, fk.Key)
		box.confirmed = fk.Confirmed
		if err := decodePackages(box, buf[crypto.MixHashSize:]); err != nil {
			return nil, err
		}
		return box, nil
	}

	if len(buf) < crypto.SealedKeySize+crypto.MixHashSize {
		return nil, errs.New(errs.CodeInvalidData, "unknown mix hash")
	}
	key, err := keys.OpenKey(buf[:crypto.SealedKeySize])
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidData, "open sealed key", err)
	}
	copy(hash[:], buf[crypto.SealedKeySize:])
	if !mixHashLive(key, hash, time.Now()) {
		return nil, errs.New(errs.CodeInvalidData, "mix hash does not match sealed key")
	}

	box := NewPackageBox(device.DeviceId{}, key)
	box.newKey = true
	if err := decodePackages(box, buf[crypto.SealedKeySize+crypto.MixHashSize:]); err != nil {
		return nil, err
	}
	exchange, ok := box.Exchange()
	if !ok || exchange.FromDevice == nil {
		return nil, errs.New(errs.CodeInvalidData, "new key without exchange")
	}
	box.remote = exchange.FromDevice.ID()
	return box, nil
}

// DecodePlainBox decodes a box produced with OtherBoxContext using a key
// already bound to the connection.
func DecodePlainBox(buf []byte, remote device.DeviceId, key crypto.AesKey) (*PackageBox, error) {
	box := NewPackageBox(remote, key)
	box.confirmed = true
	if err := decodePackages(box, buf); err != nil {
		return nil, err
	}
	return box, nil
}

func mixHashLive(key crypto.AesKey, hash crypto.MixHash, now time.Time) bool {
	slot := crypto.MinuteSlot(now)
	for i := int64(0); i < crypto.MixHashLiveMinutes; i++ {
		h := key.MixHash(slot - i)
		if bytes.Equal(h[:], hash[:]) {
			return true
		}
	}
	return false
}

func decodePackages(box *PackageBox, region []byte) error {
	plain, err := box.key.DecryptInPlace(region)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidData, "decrypt box", err)
	}

	r := NewReader(plain)
	mctx := NewMergeContext()
	for first := true; r.Remaining() > 0; first = false {
		pkg, err := DecodePackage(r, mctx, first)
		if err != nil {
			return err
		}
		box.packages = append(box.packages, pkg)
	}
	if box.IsEmpty() {
		return errs.New(errs.CodeInvalidData, "empty package box")
	}
	return nil
}
