package identity

import "context"

// SecureChannelTrustInfo is what a trust policy sees about a peer.
type SecureChannelTrustInfo struct {
	TheirIdentifier Identifier
}

// TrustPolicy decides whether a peer is acceptable.
type TrustPolicy interface {
	Check(ctx context.Context, info SecureChannelTrustInfo) (bool, error)
}

// TrustPolicyFunc adapts a function to TrustPolicy.
type TrustPolicyFunc func(ctx context.Context, info SecureChannelTrustInfo) (bool, error)

func (f TrustPolicyFunc) Check(ctx context.Context, info SecureChannelTrustInfo) (bool, error) {
	return f(ctx, info)
}

// TrustEveryonePolicy accepts any peer.
type TrustEveryonePolicy struct{}

func (TrustEveryonePolicy) Check(context.Context, SecureChannelTrustInfo) (bool, error) {
	return true, nil
}

// TrustIdentifierPolicy accepts exactly one identifier.
type TrustIdentifierPolicy struct {
	Identifier Identifier
}

func (p TrustIdentifierPolicy) Check(_ context.Context, info SecureChannelTrustInfo) (bool, error) {
	return info.TheirIdentifier == p.Identifier, nil
}

// TrustMultiIdentifiersPolicy accepts any of a set of identifiers.
type TrustMultiIdentifiersPolicy struct {
	Identifiers []Identifier
}

func (p TrustMultiIdentifiersPolicy) Check(_ context.Context, info SecureChannelTrustInfo) (bool, error) {
	return containsIdentifier(p.Identifiers, info.TheirIdentifier), nil
}

// AllOf accepts a peer only when every policy accepts it.
func AllOf(policies ...TrustPolicy) TrustPolicy {
	return TrustPolicyFunc(func(ctx context.Context, info SecureChannelTrustInfo) (bool, error) {
		for _, p := range policies {
			ok, err := p.Check(ctx, info)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf accepts a peer when at least one policy accepts it.
func AnyOf(policies ...TrustPolicy) TrustPolicy {
	return TrustPolicyFunc(func(ctx context.Context, info SecureChannelTrustInfo) (bool, error) {
		for _, p := range policies {
			ok, err := p.Check(ctx, info)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// TrustContext names the authorities trusted to issue credentials.
type TrustContext struct {
	ID          string
	Authorities []Identifier
}
