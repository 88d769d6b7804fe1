// Package install materializes the managed codex-acp agent binary. The
// supervisor falls back to it when spawning the default agent command fails
// with "not found": the installer downloads the pinned release for the
// current platform, verifies its checksum, extracts the single binary, and
// atomically places it under the Tide data directory.
package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// Version is the pinned codex-acp release.
	Version = "0.9.2"

	// ReleasesURL points users at manual installation when the managed
	// path fails.
	ReleasesURL = "https://github.com/zed-industries/codex-acp/releases"

	// DefaultBinaryName is the unqualified agent command on unix.
	DefaultBinaryName = "codex-acp"
	// DefaultBinaryNameWindows is the unqualified agent command on windows.
	DefaultBinaryNameWindows = "codex-acp.exe"

	userAgent = "tide/0.1.0"
)

// ArchiveFormat identifies how a release asset is packaged.
type ArchiveFormat string

const (
	ArchiveTarGz ArchiveFormat = "tar.gz"
	ArchiveZip   ArchiveFormat = "zip"
)

// Phase tags install progress reports.
type Phase string

const (
	PhaseResolving   Phase = "resolving"
	PhaseDownloading Phase = "downloading"
	PhaseVerifying   Phase = "verifying"
	PhaseExtracting  Phase = "extracting"
	PhaseInstalling  Phase = "installing"
	PhaseStarting    Phase = "starting"
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
)

// StatusFunc receives install progress. Callbacks must not block.
type StatusFunc func(phase Phase, message string)

// Asset describes one platform's release artifact.
type Asset struct {
	Target     string
	BinaryName string
	Archive    ArchiveFormat
	URL        string
	SHA256     string
}

func releaseURL(target string, format ArchiveFormat) string {
	return fmt.Sprintf("%s/download/v%s/codex-acp-%s-%s.%s", ReleasesURL, Version, Version, target, format)
}

var assets = map[string]Asset{
	"darwin/arm64": {
		Target:     "aarch64-apple-darwin",
		BinaryName: DefaultBinaryName,
		Archive:    ArchiveTarGz,
		URL:        releaseURL("aarch64-apple-darwin", ArchiveTarGz),
		SHA256:     "edfb6128a2972325f4767af6ee58b512de59dd8e7bc1e4c90d27ada3e9f9b84b",
	},
	"darwin/amd64": {
		Target:     "x86_64-apple-darwin",
		BinaryName: DefaultBinaryName,
		Archive:    ArchiveTarGz,
		URL:        releaseURL("x86_64-apple-darwin", ArchiveTarGz),
		SHA256:     "393bf04bf1270065e2b73a1bbdcf46dab1154f48b50bd64f5c1daff03c1ed317",
	},
	"linux/arm64/gnu": {
		Target:     "aarch64-unknown-linux-gnu",
		BinaryName: DefaultBinaryName,
		Archive:    ArchiveTarGz,
		URL:        releaseURL("aarch64-unknown-linux-gnu", ArchiveTarGz),
		SHA256:     "52ef6fa1ccae7b9e102cff9ee20d7abe7498ee22d1219dc8e1858a75f60f757c",
	},
	"linux/arm64/musl": {
		Target:     "aarch64-unknown-linux-musl",
		BinaryName: DefaultBinaryName,
		Archive:    ArchiveTarGz,
		URL:        releaseURL("aarch64-unknown-linux-musl", ArchiveTarGz),
		SHA256:     "45b3ec332643b5306e82edb70744e3e9329f1406a7200e0a0c79f8f8efe957dc",
	},
	"linux/amd64/gnu": {
		Target:     "x86_64-unknown-linux-gnu",
		BinaryName: DefaultBinaryName,
		Archive:    ArchiveTarGz,
		URL:        releaseURL("x86_64-unknown-linux-gnu", ArchiveTarGz),
		SHA256:     "59531026a0542a4ca9f18d73b445c20ab36d4882dda145c4ab27a4a46196d1ad",
	},
	"linux/amd64/musl": {
		Target:     "x86_64-unknown-linux-musl",
		BinaryName: DefaultBinaryName,
		Archive:    ArchiveTarGz,
		URL:        releaseURL("x86_64-unknown-linux-musl", ArchiveTarGz),
		SHA256:     "7280d7e93f353d6481a402914639e50c1527f538d15dfd47c4138fc8c03f98f5",
	},
	"windows/arm64": {
		Target:     "aarch64-pc-windows-msvc",
		BinaryName: DefaultBinaryNameWindows,
		Archive:    ArchiveZip,
		URL:        releaseURL("aarch64-pc-windows-msvc", ArchiveZip),
		SHA256:     "df00960eb5cc5f1543335702fbdf95f084d903d7702c4723d1375bb6056215dc",
	},
	"windows/amd64": {
		Target:     "x86_64-pc-windows-msvc",
		BinaryName: DefaultBinaryNameWindows,
		Archive:    ArchiveZip,
		URL:        releaseURL("x86_64-pc-windows-msvc", ArchiveZip),
		SHA256:     "250648ced2645dce61a915b69515dc8e55d7836764faead7f27142ae064dadb4",
	},
}

// linuxLibc reports the host libc flavor. Release binaries are linked
// against gnu and musl separately, so the asset has to match the runtime
// loader. Swappable for tests.
var linuxLibc = func() string {
	if matches, _ := filepath.Glob("/lib/ld-musl-*"); len(matches) > 0 {
		return "musl"
	}
	return "gnu"
}

func assetKey(goos, goarch string) string {
	key := goos + "/" + goarch
	if goos == "linux" {
		key += "/" + linuxLibc()
	}
	return key
}

// ResolveAsset returns the release asset for an os/arch pair.
func ResolveAsset(goos, goarch string) (Asset, error) {
	asset, ok := assets[assetKey(goos, goarch)]
	if !ok {
		return Asset{}, fmt.Errorf("no managed codex-acp release available for os=%q arch=%q", goos, goarch)
	}
	return asset, nil
}

// BinaryName returns the agent command name for an OS.
func BinaryName(goos string) string {
	if goos == "windows" {
		return DefaultBinaryNameWindows
	}
	return DefaultBinaryName
}

// IsDefaultAgentPath reports whether agentPath is the unqualified default
// command, the only case where a failed spawn triggers a managed install.
func IsDefaultAgentPath(agentPath string) bool {
	path := strings.TrimSpace(agentPath)
	return path == DefaultBinaryName || path == DefaultBinaryNameWindows
}

// Installer downloads and installs the managed agent binary. Installs are
// process-wide exclusive: concurrent callers share a single in-flight
// install.
type Installer struct {
	rootDir string
	client  *http.Client
	status  StatusFunc

	mu     sync.Mutex
	flight singleflight.Group
}

// Option configures an Installer.
type Option func(*Installer)

// WithRootDir overrides the data directory (default ~/.tide).
func WithRootDir(dir string) Option {
	return func(i *Installer) { i.rootDir = dir }
}

// WithHTTPClient overrides the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) { i.client = c }
}

// WithStatus sets the progress callback.
func WithStatus(fn StatusFunc) Option {
	return func(i *Installer) { i.status = fn }
}

// New creates an Installer.
func New(opts ...Option) *Installer {
	inst := &Installer{
		client: &http.Client{Timeout: 5 * time.Minute},
		status: func(Phase, string) {},
	}
	for _, opt := range opts {
		opt(inst)
	}
	if inst.rootDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		inst.rootDir = filepath.Join(home, ".tide")
	}
	return inst
}

// InstallPath returns where the managed binary lives for this platform.
func (i *Installer) InstallPath() string {
	return filepath.Join(i.rootDir, "agents", "codex-acp", Version, BinaryName(runtime.GOOS))
}

// EnsureInstalled returns the path of the managed binary, downloading and
// installing it first if absent. Safe for concurrent use.
func (i *Installer) EnsureInstalled(ctx context.Context) (string, error) {
	path, err, _ := i.flight.Do("codex-acp", func() (interface{}, error) {
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.ensureInstalled(ctx)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (i *Installer) ensureInstalled(ctx context.Context) (string, error) {
	i.status(PhaseResolving, "Locating managed codex-acp release for your platform...")

	asset, err := ResolveAsset(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		i.status(PhaseError, err.Error())
		return "", err
	}

	installPath := i.InstallPath()
	if _, statErr := os.Stat(installPath); statErr == nil {
		if err := ensureExecutable(installPath); err != nil {
			return "", err
		}
		i.status(PhaseStarting, "Using existing managed codex-acp installation...")
		return installPath, nil
	}

	parent := filepath.Dir(installPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating installation directory: %w", err)
	}

	i.status(PhaseDownloading, fmt.Sprintf("Downloading codex-acp %s (%s)...", Version, asset.Target))
	archive, err := i.download(ctx, asset.URL)
	if err != nil {
		i.status(PhaseError, err.Error())
		return "", err
	}

	i.status(PhaseVerifying, "Verifying download integrity...")
	if err := verifySHA256(archive, asset.SHA256); err != nil {
		i.status(PhaseError, err.Error())
		return "", err
	}

	i.status(PhaseExtracting, "Extracting codex-acp binary...")
	tempPath := filepath.Join(parent, fmt.Sprintf("%s.tmp-%s", asset.BinaryName, uuid.NewString()))
	if err := extractBinary(archive, asset.Archive, asset.BinaryName, tempPath); err != nil {
		i.status(PhaseError, err.Error())
		return "", err
	}
	if err := ensureExecutable(tempPath); err != nil {
		os.Remove(tempPath)
		return "", err
	}

	i.status(PhaseInstalling, fmt.Sprintf("Installing managed codex-acp %s...", Version))
	if _, statErr := os.Stat(installPath); statErr == nil {
		// Another process finished first.
		os.Remove(tempPath)
	} else if err := os.Rename(tempPath, installPath); err != nil {
		if _, statErr := os.Stat(installPath); statErr == nil {
			os.Remove(tempPath)
		} else {
			return "", fmt.Errorf("finalizing codex-acp installation: %w", err)
		}
	}

	i.status(PhaseStarting, "Starting agent...")
	return installPath, nil
}

func (i *Installer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with HTTP status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading download body: %w", err)
	}
	return data, nil
}

func verifySHA256(data []byte, expectedHex string) error {
	sum := sha256.Sum256(data)
	actualHex := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actualHex, expectedHex) {
		return fmt.Errorf("checksum mismatch (expected %s, got %s)", expectedHex, actualHex)
	}
	return nil
}

func extractBinary(data []byte, format ArchiveFormat, expectedName, outputPath string) error {
	switch format {
	case ArchiveTarGz:
		return extractFromTarGz(data, expectedName, outputPath)
	case ArchiveZip:
		return extractFromZip(data, expectedName, outputPath)
	default:
		return fmt.Errorf("unknown archive format %q", format)
	}
}

func extractFromTarGz(data []byte, expectedName, outputPath string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(header.Name) == expectedName {
			return writeExtracted(tr, outputPath)
		}
	}
	return fmt.Errorf("downloaded archive did not contain expected binary %q", expectedName)
}

func extractFromZip(data []byte, expectedName, outputPath string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("opening zip archive: %w", err)
	}

	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if filepath.Base(file.Name) == expectedName {
			rc, err := file.Open()
			if err != nil {
				return fmt.Errorf("reading zip entry: %w", err)
			}
			defer rc.Close()
			return writeExtracted(rc, outputPath)
		}
	}
	return fmt.Errorf("downloaded archive did not contain expected binary %q", expectedName)
}

func writeExtracted(r io.Reader, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating temp binary file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("extracting binary: %w", err)
	}
	return nil
}

func ensureExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("setting binary permissions: %w", err)
	}
	return nil
}
