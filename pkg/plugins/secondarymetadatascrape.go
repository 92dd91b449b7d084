package plugins

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/openshift/cincinnati/pkg/registry"
	"github.com/openshift/cincinnati/pkg/signature"
)

// SecondaryMetadataScrapePluginName is the configuration name of the
// graph-data downloader.
const SecondaryMetadataScrapePluginName = "secondary-metadata-scrape"

// Fetch methods of the graph-data downloader.
const (
	SecondaryMetadataMethodDockerV2 = "dockerv2"
	SecondaryMetadataMethodGithub   = "github"
)

// DefaultOutputAllowlist names the graph-data files worth extracting.
var DefaultOutputAllowlist = []string{
	`/LICENSE$`,
	`/channels/.+\.ya?ml$`,
	`/blocked-edges/.+\.ya?ml$`,
	`/raw/metadata.json$`,
	`/version$`,
}

// SecondaryMetadataScrapeSettings configures the graph-data downloader.
type SecondaryMetadataScrapeSettings struct {
	Method          string   `toml:"method"`
	OutputDirectory string   `toml:"output_directory"`
	GraphDataPath   string   `toml:"graph_data_path"`
	OutputAllowlist []string `toml:"output_allowlist"`

	// dockerv2 method
	Registry        string `toml:"registry"`
	Repository      string `toml:"repository"`
	Tag             string `toml:"tag"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	CredentialsPath string `toml:"credentials_path"`

	// github method
	TarballURL string `toml:"tarball_url"`

	// signature verification over the downloaded archive
	VerifySignature bool   `toml:"verify_signature"`
	KeyringPath     string `toml:"keyring_path"`
	SignatureURL    string `toml:"signature_url"`
}

func deserializeSecondaryMetadataScrapeSettings(decode func(interface{}) error) (Settings, error) {
	s := &SecondaryMetadataScrapeSettings{
		Method:          SecondaryMetadataMethodDockerV2,
		GraphDataPath:   "/",
		OutputAllowlist: DefaultOutputAllowlist,
		Tag:             "latest",
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.OutputDirectory == "" {
		return nil, fmt.Errorf("empty output_directory")
	}
	if len(s.OutputAllowlist) == 0 {
		return nil, fmt.Errorf("empty output_allowlist")
	}
	switch s.Method {
	case SecondaryMetadataMethodDockerV2:
		if s.Registry == "" || s.Repository == "" {
			return nil, fmt.Errorf("dockerv2 method requires registry and repository")
		}
	case SecondaryMetadataMethodGithub:
		if s.TarballURL == "" {
			return nil, fmt.Errorf("github method requires tarball_url")
		}
	default:
		return nil, fmt.Errorf("unknown method %q", s.Method)
	}
	if s.VerifySignature && s.KeyringPath == "" {
		return nil, fmt.Errorf("verify_signature requires keyring_path")
	}
	if s.VerifySignature && s.SignatureURL == "" {
		return nil, fmt.Errorf("verify_signature requires signature_url")
	}
	return s, nil
}

// Name implements Settings.
func (s *SecondaryMetadataScrapeSettings) Name() string { return SecondaryMetadataScrapePluginName }

// Build implements Settings.
func (s *SecondaryMetadataScrapeSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	plugin := &SecondaryMetadataScrapePlugin{
		settings: *s,
		fs:       afero.NewOsFs(),
		verifier: signature.Noop{},
	}

	if s.Method == SecondaryMetadataMethodDockerV2 {
		credentials := registry.Credentials{Username: s.Username, Password: s.Password}
		if s.CredentialsPath != "" {
			fromFile, err := registry.ReadCredentials(s.CredentialsPath, registry.TrimProtocol(s.Registry))
			if err != nil {
				return nil, err
			}
			credentials = fromFile
		}
		plugin.client = registry.NewHTTPClient(s.Registry, credentials)
	}

	if s.VerifySignature {
		verifier, err := signature.NewKeyringVerifier(s.KeyringPath)
		if err != nil {
			return nil, err
		}
		plugin.verifier = verifier
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.HTTPClient.Timeout = 120 * time.Second
	httpClient.Logger = nil
	plugin.httpClient = httpClient

	return plugin, nil
}

// SecondaryMetadataScrapePlugin downloads the graph-data archive and unpacks
// the allowlisted files into the working directory read by the parse plugin.
// It never changes the graph; it advertises the directory via the
// graph_data_dir parameter.
type SecondaryMetadataScrapePlugin struct {
	settings   SecondaryMetadataScrapeSettings
	fs         afero.Fs
	client     registry.Client
	httpClient *retryablehttp.Client
	verifier   signature.Verifier
}

// Name implements Plugin.
func (p *SecondaryMetadataScrapePlugin) Name() string { return SecondaryMetadataScrapePluginName }

// Phase implements Plugin.
func (p *SecondaryMetadataScrapePlugin) Phase() Phase { return PhaseExternal }

// Transform implements Plugin.
func (p *SecondaryMetadataScrapePlugin) Transform(ctx context.Context, io PluginIO) (PluginIO, error) {
	archive, err := p.download(ctx)
	if err != nil {
		return io, err
	}

	if p.settings.VerifySignature {
		sig, err := p.fetchSignature(ctx)
		if err != nil {
			return io, err
		}
		if err := p.verifier.Verify(archive, sig); err != nil {
			return io, fmt.Errorf("graph-data archive failed signature verification: %w", err)
		}
	}

	extracted, err := p.extract(archive)
	if err != nil {
		return io, err
	}
	logrus.WithField("plugin", SecondaryMetadataScrapePluginName).
		Debugf("extracted %d graph-data files to %s", extracted, p.settings.OutputDirectory)

	out := io.Copy()
	out.Parameters[ParamGraphDataDir] = p.settings.OutputDirectory
	return out, nil
}

// download obtains the graph-data archive through the configured method.
func (p *SecondaryMetadataScrapePlugin) download(ctx context.Context) ([]byte, error) {
	switch p.settings.Method {
	case SecondaryMetadataMethodGithub:
		return p.fetchURL(ctx, p.settings.TarballURL)
	case SecondaryMetadataMethodDockerV2:
		return p.downloadImage(ctx)
	default:
		return nil, fmt.Errorf("unknown method %q", p.settings.Method)
	}
}

// downloadImage pulls the graph-data container image and returns the blob of
// its last layer; any other layers are ignored.
func (p *SecondaryMetadataScrapePlugin) downloadImage(ctx context.Context) ([]byte, error) {
	manifestBytes, mediaType, _, err := p.client.FetchManifest(ctx, p.settings.Repository, p.settings.Tag)
	if err != nil {
		return nil, err
	}
	layers, err := registry.LayerDigests(manifestBytes, mediaType)
	if err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("graph-data image %s:%s has no layers", p.settings.Repository, p.settings.Tag)
	}
	// graph-data images are built from scratch with a single layer
	if len(layers) > 1 {
		logrus.Warnf("graph-data image %s:%s has %d layers, using the last",
			p.settings.Repository, p.settings.Tag, len(layers))
	}
	return p.client.FetchBlob(ctx, p.settings.Repository, layers[len(layers)-1])
}

func (p *SecondaryMetadataScrapePlugin) fetchSignature(ctx context.Context) ([]byte, error) {
	return p.fetchURL(ctx, p.settings.SignatureURL)
}

func (p *SecondaryMetadataScrapePlugin) fetchURL(ctx context.Context, target string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// extract unpacks allowlisted regular files below graph_data_path into the
// output directory, flattening the archive's top-level directory (github
// tarballs nest everything under `<org>-<repo>-<sha>/`).
func (p *SecondaryMetadataScrapePlugin) extract(archive []byte) (int, error) {
	allowlist := make([]*regexp.Regexp, 0, len(p.settings.OutputAllowlist))
	for _, expr := range p.settings.OutputAllowlist {
		re, err := regexp.Compile(expr)
		if err != nil {
			return 0, fmt.Errorf("invalid output_allowlist entry %q: %w", expr, err)
		}
		allowlist = append(allowlist, re)
	}

	if err := p.fs.RemoveAll(p.settings.OutputDirectory); err != nil {
		return 0, fmt.Errorf("cleaning output directory: %w", err)
	}
	if err := p.fs.MkdirAll(p.settings.OutputDirectory, 0o755); err != nil {
		return 0, fmt.Errorf("creating output directory: %w", err)
	}

	reader := io.Reader(bytes.NewReader(archive))
	if bytes.HasPrefix(archive, []byte("\x1F\x8B")) {
		gzipReader, err := gzip.NewReader(reader)
		if err != nil {
			return 0, fmt.Errorf("decompressing graph-data archive: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	dataPath := strings.Trim(p.settings.GraphDataPath, "/")
	extracted := 0
	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("reading graph-data archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := "/" + path.Clean(strings.TrimPrefix(header.Name, "./"))
		allowed := false
		for _, re := range allowlist {
			if re.MatchString(name) {
				allowed = true
				break
			}
		}
		if !allowed {
			continue
		}

		relative := strings.TrimPrefix(name, "/")
		if parts := strings.SplitN(relative, "/", 2); dataPath == "" && len(parts) == 2 && !knownTopLevel(parts[0]) {
			// single nested top-level directory, as in github tarballs
			relative = parts[1]
		} else if dataPath != "" {
			idx := strings.Index(relative, dataPath+"/")
			if idx < 0 {
				continue
			}
			relative = relative[idx+len(dataPath)+1:]
		}
		if relative == "" || strings.Contains(relative, "..") {
			continue
		}

		destination := filepath.Join(p.settings.OutputDirectory, filepath.FromSlash(relative))
		if err := p.fs.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return extracted, err
		}
		contents, err := io.ReadAll(tarReader)
		if err != nil {
			return extracted, fmt.Errorf("reading %s from archive: %w", header.Name, err)
		}
		if err := afero.WriteFile(p.fs, destination, contents, 0o644); err != nil {
			return extracted, err
		}
		extracted++
	}
	return extracted, nil
}

// knownTopLevel reports whether the name is one of the graph-data top-level
// entries, meaning the archive is not nested.
func knownTopLevel(name string) bool {
	switch name {
	case "channels", "blocked-edges", "raw", "version", "LICENSE":
		return true
	}
	return false
}
