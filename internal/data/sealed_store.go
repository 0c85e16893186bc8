package data

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/crypto"
)

// Sealer encrypts values bound to associated data.
type Sealer interface {
	Seal(plaintext string, aad []byte) (string, error)
	Open(sealed string, aad []byte) (string, error)
}

// SealedStore keeps activation codes encrypted inside another Store. The
// ICCID is bound as associated data so a code cannot be moved between
// profiles. Plaintext codes written before sealing was enabled still load.
type SealedStore struct {
	Store
	sealer Sealer
	log    *zap.Logger
}

func NewSealedStore(inner Store, sealer Sealer, logger *zap.Logger) *SealedStore {
	return &SealedStore{Store: inner, sealer: sealer, log: logger.Named("sealed_store")}
}

func (s *SealedStore) SaveProfiles(ctx context.Context, profiles []ESimProfile) error {
	out := make([]ESimProfile, len(profiles))
	for i, p := range profiles {
		if p.ActivationCode != "" && !crypto.IsSealed(p.ActivationCode) {
			sealed, err := s.sealer.Seal(p.ActivationCode, []byte(p.ICCID))
			if err != nil {
				return fmt.Errorf("seal activation code for %s: %w", p.ICCID, err)
			}
			p.ActivationCode = sealed
		}
		out[i] = p
	}
	return s.Store.SaveProfiles(ctx, out)
}

// LoadProfiles clears codes that can no longer be opened rather than failing
// the whole snapshot.
func (s *SealedStore) LoadProfiles(ctx context.Context) ([]ESimProfile, error) {
	profiles, err := s.Store.LoadProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		p := &profiles[i]
		if !crypto.IsSealed(p.ActivationCode) {
			continue
		}
		plain, err := s.sealer.Open(p.ActivationCode, []byte(p.ICCID))
		if err != nil {
			s.log.Warn("cannot open stored activation code", zap.String("iccid", p.ICCID), zap.Error(err))
			p.ActivationCode = ""
			continue
		}
		p.ActivationCode = plain
	}
	return profiles, nil
}
