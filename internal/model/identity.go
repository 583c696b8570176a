package model

// Identity is the signed-in user. At most one Identity is current at a time;
// it is absent entirely when signed out.
type Identity struct {
	ID          string       `json:"id"`
	Email       string       `json:"email,omitempty"`
	DisplayName string       `json:"displayName,omitempty"`
	Providers   []ProviderID `json:"providers"`
}

func (i *Identity) HasProvider(p ProviderID) bool {
	for _, linked := range i.Providers {
		if linked == p {
			return true
		}
	}
	return false
}

// WithProvider returns a copy with p linked. Linking an already-linked
// provider is a no-op so repeated link callbacks cannot duplicate entries.
func (i *Identity) WithProvider(p ProviderID) *Identity {
	clone := i.Clone()
	if !clone.HasProvider(p) {
		clone.Providers = append(clone.Providers, p)
	}
	return clone
}

// WithoutProvider returns a copy with p removed. Callers are responsible for
// refusing to remove the last linked provider.
func (i *Identity) WithoutProvider(p ProviderID) *Identity {
	clone := i.Clone()
	kept := clone.Providers[:0]
	for _, linked := range clone.Providers {
		if linked != p {
			kept = append(kept, linked)
		}
	}
	clone.Providers = kept
	return clone
}

func (i *Identity) Clone() *Identity {
	clone := *i
	clone.Providers = append([]ProviderID(nil), i.Providers...)
	return &clone
}
