package crypto

import (
	"context"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// vaultDH is a noise.DHFunc whose private keys are vault handles.
// DHKey.Private carries the handle bytes; the secret stays in the vault.
type vaultDH struct {
	vault SecureChannelVault
}

// NewDHFunc returns a Curve25519 noise.DHFunc backed by vault.
func NewDHFunc(vault SecureChannelVault) noise.DHFunc {
	return vaultDH{vault: vault}
}

// GenerateKeypair creates an ephemeral key inside the vault. The random
// source is ignored since the vault owns key generation.
func (d vaultDH) GenerateKeypair(_ io.Reader) (noise.DHKey, error) {
	ctx := context.Background()
	handle, err := d.vault.GenerateEphemeralX25519Key(ctx)
	if err != nil {
		return noise.DHKey{}, err
	}
	pub, err := d.vault.X25519PublicKey(ctx, handle)
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: []byte(handle), Public: pub[:]}, nil
}

// DH performs ECDH between the vault key named by privkey and pubkey.
func (d vaultDH) DH(privkey, pubkey []byte) ([]byte, error) {
	shared, err := d.vault.X25519ECDH(context.Background(), KeyHandle(privkey), pubkey)
	if err != nil {
		return nil, fmt.Errorf("vault dh: %w", err)
	}
	return shared, nil
}

func (vaultDH) DHLen() int     { return X25519KeySize }
func (vaultDH) DHName() string { return "25519" }

// StaticDHKey builds the noise.DHKey for a static key stored in vault.
func StaticDHKey(ctx context.Context, vault SecureChannelVault, handle KeyHandle) (noise.DHKey, error) {
	pub, err := vault.X25519PublicKey(ctx, handle)
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: []byte(handle), Public: pub[:]}, nil
}
