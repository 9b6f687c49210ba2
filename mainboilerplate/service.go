package mainboilerplate

import (
	"os"

	petname "github.com/dustinkirkland/golang-petname"
)

// ServiceConfig represents identification of the process.
type ServiceConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process, recorded in the snapshots it writes. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Hostname of this process. Hostname is used if not set"`
}

// Identity of the process, as "<id>@<host>". A missing ID is generated
// as a random pet name.
func (cfg ServiceConfig) Identity() string {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	if cfg.Host == "" {
		var err error
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
	return cfg.ID + "@" + cfg.Host
}
