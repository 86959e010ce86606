package wise

import "github.com/vipul43/finsync-worker/internal/config"

// Factory builds a fresh client and connector for every (company,
// environment) call site so no credential state is shared between tenants
type Factory struct {
	Credentials CredentialStore
	Settings    SettingsStore
	Stores      Stores
	Cipher      Cipher
	Config      config.WiseConfig
	Options     []Option
}

func (f *Factory) Client(companyID int64, environment string) *Client {
	return NewClient(companyID, environment, f.Credentials, f.Settings, f.Cipher, f.Config, f.Options...)
}

func (f *Factory) Connector(companyID int64, environment string) *Connector {
	return NewConnector(f.Client(companyID, environment), companyID, environment, f.Stores, f.Cipher, f.Config)
}
