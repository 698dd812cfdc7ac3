// Package authutil builds a runtime.AuthValidator from a server's
// AuthConfig: verify the Extended Field auth_hash record against the
// configured passphrase for whichever packet types the config targets.
package authutil

import (
	"github.com/wip-weather/wip-gateway/internal/config"
	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/protocol"
	"github.com/wip-weather/wip-gateway/internal/runtime"
)

// NewValidator returns a runtime.AuthValidator that enforces cfg. When
// cfg.Enabled is false, or a given request's type isn't in
// cfg.TargetPacketTypes, the request passes unchecked.
func NewValidator(cfg config.AuthConfig) runtime.AuthValidator {
	algorithm := protocol.HashAlgorithm(cfg.HashAlgorithm)
	if algorithm == "" {
		algorithm = protocol.DefaultHashAlgorithm
	}

	return func(req *protocol.Packet) error {
		if !cfg.Enabled {
			return nil
		}
		if !cfg.TargetPacketTypes[uint8(req.Header.Type)] {
			return nil
		}

		receivedHash, ok := req.ExtendedField.Get(protocol.KeyAuthHash)
		if !ok {
			return domain.NewWireError(uint16(protocol.ErrAuth), "missing auth_hash", nil)
		}

		if !protocol.VerifyAuthHash(req.Header.PacketID, req.Header.Timestamp, cfg.Passphrase, receivedHash, algorithm) {
			return domain.NewWireError(uint16(protocol.ErrAuth), "auth_hash verification failed", nil)
		}
		return nil
	}
}

// Inject computes and attaches an auth_hash record to ef under cfg's
// passphrase/algorithm, for use by the Weather Server proxy before
// forwarding a request to a hop with auth enabled.
func Inject(cfg config.AuthConfig, ef protocol.ExtendedField, packetID uint16, timestamp uint64) (protocol.ExtendedField, error) {
	if !cfg.Enabled {
		return ef, nil
	}
	algorithm := protocol.HashAlgorithm(cfg.HashAlgorithm)
	if algorithm == "" {
		algorithm = protocol.DefaultHashAlgorithm
	}

	digest, err := protocol.CalculateAuthHash(packetID, timestamp, cfg.Passphrase, algorithm)
	if err != nil {
		return ef, domain.NewWireError(uint16(protocol.ErrAuth), "failed to compute auth_hash", err)
	}
	return ef.WithReplacing(protocol.KeyAuthHash, digest), nil
}
