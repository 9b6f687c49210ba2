package main

import (
	"fmt"
	"time"

	"github.com/keepsakebot/keepsake/auth"
	mbp "github.com/keepsakebot/keepsake/mainboilerplate"
)

type cmdToken struct {
	Admin   bool          `long:"admin" description:"Grant the ADMIN capability, in addition to READ"`
	Subject string        `long:"subject" default:"operator" description:"Subject of the token"`
	TTL     time.Duration `long:"ttl" default:"1h" description:"Duration for which the token is valid"`
}

func (cmd *cmdToken) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var ka, err = auth.NewKeyedAuth(Config.Admin.Keys)
	mbp.Must(err, "parsing admin keys")

	token, err := signToken(ka, cmd.Subject, cmd.Admin, cmd.TTL)
	mbp.Must(err, "signing token")

	fmt.Println(token)
	return nil
}

func signToken(ka *auth.KeyedAuth, subject string, admin bool, ttl time.Duration) (string, error) {
	var claims = auth.Claims{Capability: auth.READ}
	if admin {
		claims.Capability |= auth.ADMIN
	}
	claims.Subject = subject
	return ka.Sign(claims, ttl)
}
