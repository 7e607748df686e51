package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/config"
	"github.com/thruflo/mpcwatch/internal/logging"
)

// connFlags are the flags shared by commands that talk to the job service.
// Each one overrides the matching config or credential value when set.
type connFlags struct {
	apiURL string
	wsURL  string
	token  string
	user   string
}

func addConnFlags(cmd *cobra.Command, f *connFlags) {
	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "job service base URL (overrides server.api_url)")
	cmd.Flags().StringVar(&f.wsURL, "ws-url", "", "push channel URL (overrides server.ws_url)")
	cmd.Flags().StringVar(&f.token, "token", "", "access token (overrides "+config.EnvToken+")")
	cmd.Flags().StringVar(&f.user, "user", "", "user id (overrides "+config.EnvUser+")")
}

// environment is the resolved configuration for one command invocation.
type environment struct {
	dir    string
	cfg    *config.Config
	creds  config.Credentials
	logger *logging.Logger
}

func baseDir() (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

// loadEnvironment reads .mpcwatch/ from the project directory and applies
// command line overrides.
func loadEnvironment(cmd *cobra.Command, f *connFlags) (*environment, error) {
	dir, err := baseDir()
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	creds, err := config.LoadCredentials(dir, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	if f != nil {
		if f.apiURL != "" {
			cfg.Server.APIURL = f.apiURL
		}
		if f.wsURL != "" {
			cfg.Server.WSURL = f.wsURL
		}
		if f.token != "" {
			creds.Token = f.token
		}
		if f.user != "" {
			creds.UserID = f.user
		}
	}
	if rootLogLevel != "" {
		cfg.Log.Level = rootLogLevel
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return &environment{
		dir:    dir,
		cfg:    cfg,
		creds:  creds,
		logger: logging.NewWithWriter(cmd.ErrOrStderr(), level),
	}, nil
}

// apiClient returns a client for the request/response API. Requests time
// out after timeout; zero keeps the client default.
func (e *environment) apiClient(timeout time.Duration) *api.Client {
	opts := []api.ClientOption{
		api.WithAuthToken(e.creds.Token),
		api.WithLogger(e.logger),
	}
	if timeout > 0 {
		opts = append(opts, api.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return api.NewClient(e.cfg.Server.APIURL, opts...)
}
