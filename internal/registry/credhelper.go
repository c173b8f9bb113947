package registry

import (
	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/banksean/tplbuild/internal/errs"
)

// HelperCredentialHelper delegates authentication to an external
// docker-credential-helpers-compatible binary (e.g. docker-credential-
// desktop, docker-credential-ecr-login), named in user config's
// `auth.helper` field.
type HelperCredentialHelper struct {
	ProgramName string
}

func (h *HelperCredentialHelper) Authenticator(repo string) (authn.Authenticator, error) {
	prog := client.NewShellProgramFunc(h.ProgramName)
	creds, err := client.Get(prog, repo)
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return authn.Anonymous, nil
		}
		return nil, &errs.RegistryError{Kind: "credential-helper", Err: err}
	}
	return authn.FromConfig(authn.AuthConfig{
		Username: creds.Username,
		Password: creds.Secret,
	}), nil
}
