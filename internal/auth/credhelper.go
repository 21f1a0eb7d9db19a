package auth

import (
	"fmt"

	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
	"github.com/sirupsen/logrus"
)

// executeCredentialHelper invokes `docker-credential-<name> get` using
// the same client library Docker's own CLI uses to spawn credential
// helpers, rather than a hand-rolled os/exec call.
func executeCredentialHelper(log logrus.FieldLogger, helperName, registry string) (Auth, error) {
	program := client.NewShellProgramFunc("docker-credential-" + helperName)

	creds, err := client.Get(program, registry)
	if err != nil {
		log.WithFields(logrus.Fields{"helper": helperName, "registry": registry}).
			WithError(err).Warn("credential helper failed")
		return AnonymousAuth, fmt.Errorf("credential helper %s: %w", helperName, err)
	}

	return helperResponseToAuth(creds), nil
}

// helperResponseToAuth converts the helper's {Username, Secret} reply
// into the closed Auth enum. A Secret that is itself a bearer token
// (identity-token style helpers) is not distinguishable from a
// password at this layer; the "_"/"oauth2accesstoken" username
// convention is how a caller later recognizes that case.
func helperResponseToAuth(creds *credentials.Credentials) Auth {
	if creds == nil || (creds.Username == "" && creds.Secret == "") {
		return AnonymousAuth
	}
	return Auth{Kind: KindBasic, Username: creds.Username, Password: creds.Secret}
}
