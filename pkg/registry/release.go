package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/blang/semver"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MetadataKind is the discriminator of the primary-metadata document.
const MetadataKind = "cincinnati-metadata-v0"

// MetadataFilename is the file looked up inside payload layers.
const MetadataFilename = "cincinnati.json"

// manifestMediaTypes are the manifest formats the scraper accepts.
var manifestMediaTypes = []string{
	schema2.MediaTypeManifest,
	ocispec.MediaTypeImageManifest,
}

// Metadata is the Cincinnati primary-metadata document embedded in release
// payloads.
type Metadata struct {
	Kind     string            `json:"kind"`
	Version  string            `json:"version"`
	Previous []string          `json:"previous"`
	Next     []string          `json:"next"`
	Metadata map[string]string `json:"metadata"`
}

// Validate checks the structural requirements of the document.
func (m *Metadata) Validate() error {
	if m.Kind != MetadataKind {
		return fmt.Errorf("unexpected metadata kind %q", m.Kind)
	}
	if _, err := semver.Parse(m.Version); err != nil {
		return fmt.Errorf("version %q is not SemVer: %w", m.Version, err)
	}
	return nil
}

// Release is one scraped release: its payload pullspec, its manifest digest
// and the primary-metadata document.
type Release struct {
	// Source is the pullspec of the release payload.
	Source string
	// ManifestRef is the content digest of the payload manifest.
	ManifestRef digest.Digest
	Metadata    Metadata
}

// FetchReleases scrapes the repository: it lists all tags and extracts the
// primary-metadata document from each payload carrying one. Tags without the
// document are skipped silently and tags failing to download are skipped
// with a warning; the
// scrape only fails as a whole when every tag failed.
func FetchReleases(ctx context.Context, client Client, registryHost, repository string, concurrency int) ([]Release, error) {
	tags, err := client.ListTags(ctx, repository)
	if err != nil {
		return nil, errors.Wrap(err, "listing tags")
	}
	if len(tags) == 0 {
		logrus.Warnf("%s/%s has no tags", registryHost, repository)
		return nil, nil
	}
	sort.Strings(tags)

	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		releases []Release
		failures int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, tag := range tags {
		group.Go(func() error {
			release, err := fetchRelease(groupCtx, client, registryHost, repository, tag)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				logrus.WithError(err).Warnf("skipping tag %q", tag)
				failures++
			case release == nil:
				logrus.Tracef("tag %q carries no %s", tag, MetadataFilename)
			default:
				releases = append(releases, *release)
			}
			// individual tag failures never abort the scrape
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(releases) == 0 && failures > 0 {
		return nil, fmt.Errorf("all %d candidate tags of %s/%s failed to scrape", failures, registryHost, repository)
	}
	if failures > 0 {
		logrus.Warnf("partial scrape of %s/%s: %d tags failed", registryHost, repository, failures)
	}

	// Concurrency scrambles the collection order; restore tag order for a
	// deterministic graph.
	sort.Slice(releases, func(i, j int) bool { return releases[i].Source < releases[j].Source })
	return releases, nil
}

// fetchRelease extracts the metadata document of a single tag, walking the
// payload layers from the topmost down. Returns (nil, nil) when no layer
// carries the document.
func fetchRelease(ctx context.Context, client Client, registryHost, repository, tag string) (*Release, error) {
	manifestBytes, mediaType, manifestDigest, err := client.FetchManifest(ctx, repository, tag)
	if err != nil {
		return nil, err
	}
	layers, err := LayerDigests(manifestBytes, mediaType)
	if err != nil {
		return nil, err
	}

	// Topmost layer first: the metadata file is written late in the build.
	for i := len(layers) - 1; i >= 0; i-- {
		blob, err := client.FetchBlob(ctx, repository, layers[i])
		if err != nil {
			return nil, err
		}
		metadata, err := extractMetadata(blob)
		if err != nil {
			logrus.WithError(err).Tracef("layer %s of %s:%s", layers[i], repository, tag)
			continue
		}
		if err := metadata.Validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid %s in %s:%s", MetadataFilename, repository, tag)
		}
		return &Release{
			Source:      fmt.Sprintf("%s/%s:%s", registryHost, repository, tag),
			ManifestRef: manifestDigest,
			Metadata:    *metadata,
		}, nil
	}
	return nil, nil
}

// LayerDigests parses a schema2 or OCI manifest into its layer digests,
// bottom layer first.
func LayerDigests(manifestBytes []byte, mediaType string) ([]digest.Digest, error) {
	switch mediaType {
	case schema2.MediaTypeManifest:
		var manifest schema2.Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return nil, errors.Wrap(err, "parsing schema2 manifest")
		}
		digests := make([]digest.Digest, 0, len(manifest.Layers))
		for _, layer := range manifest.Layers {
			digests = append(digests, layer.Digest)
		}
		return digests, nil
	case ocispec.MediaTypeImageManifest:
		var manifest ocispec.Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return nil, errors.Wrap(err, "parsing OCI manifest")
		}
		digests := make([]digest.Digest, 0, len(manifest.Layers))
		for _, layer := range manifest.Layers {
			digests = append(digests, layer.Digest)
		}
		return digests, nil
	default:
		return nil, fmt.Errorf("unsupported manifest media type %q", mediaType)
	}
}

// extractMetadata looks for the metadata document inside a gzipped layer tar.
func extractMetadata(blob []byte) (*Metadata, error) {
	gzipReader, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing layer")
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading layer archive")
		}
		if path.Clean(header.Name) != MetadataFilename {
			continue
		}
		contents, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", MetadataFilename)
		}
		var metadata Metadata
		if err := json.Unmarshal(contents, &metadata); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", MetadataFilename)
		}
		return &metadata, nil
	}
	return nil, fmt.Errorf("%s not found in layer", MetadataFilename)
}
