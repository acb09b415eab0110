package secrets

import (
	"context"
	"time"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/internal/store"
)

// Keeper manages cartridge connections: credentials go in sealed and
// come out decrypted only through Credentials.
type Keeper struct {
	sealer      *Sealer
	connections store.ConnectionStore
	now         func() time.Time
}

func NewKeeper(sealer *Sealer, connections store.ConnectionStore) *Keeper {
	return &Keeper{sealer: sealer, connections: connections, now: time.Now}
}

// Store seals the credentials and persists the connection.
func (k *Keeper) Store(ctx context.Context, organizationID, cartridgeID, name string, credentials map[string]any) (*schema.Connection, error) {
	sealed, err := k.sealer.Seal(credentials)
	if err != nil {
		return nil, err
	}
	now := k.now().UnixMilli()
	conn := &schema.Connection{
		ID:                   schema.NewID("con"),
		OrganizationID:       organizationID,
		CartridgeID:          cartridgeID,
		Name:                 name,
		EncryptedCredentials: sealed,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := k.connections.Save(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Credentials decrypts the stored blob for cartridge initialization.
func (k *Keeper) Credentials(ctx context.Context, connectionID string) (map[string]any, error) {
	conn, err := k.connections.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return k.sealer.Open(conn.EncryptedCredentials)
}

// ForCartridge finds the organization's connection for a cartridge and
// returns its decrypted credentials, or not_found when none exists.
func (k *Keeper) ForCartridge(ctx context.Context, organizationID, cartridgeID string) (map[string]any, error) {
	conns, err := k.connections.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for _, conn := range conns {
		if conn.CartridgeID == cartridgeID {
			return k.sealer.Open(conn.EncryptedCredentials)
		}
	}
	return nil, schema.E(schema.KindNotFound,
		"no %s connection for organization %s", cartridgeID, organizationID)
}
