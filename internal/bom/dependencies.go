// Package bom describes the dependencies a job ran with as a CycloneDX
// software bill of materials.
package bom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/CZERTAINLY/Agent/internal/executor"
	"github.com/CZERTAINLY/Agent/internal/model"
)

// FileName is the name of the BOM inside the attachments of a payload.
const FileName = "dependencies.cdx.json"

// Dependencies writes the BOM of the resolved dependencies of a job into
// its attachments, so it is shipped with them.
type Dependencies struct {
	cacheDir string
	agentID  string
}

func NewDependencies(cacheDir, agentID string) Dependencies {
	return Dependencies{cacheDir: cacheDir, agentID: agentID}
}

func (d Dependencies) Process(_ context.Context, job model.Job, payloadDir string) error {
	b := NewBuilder(job.InstanceID, d.agentID)
	for _, p := range job.Dependencies {
		c, err := d.Component(p)
		if err != nil {
			return err
		}
		b.Add(c)
	}

	dir := filepath.Join(payloadDir, executor.AttachmentsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating attachments dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, FileName))
	if err != nil {
		return fmt.Errorf("creating %s: %w", FileName, err)
	}
	if err := b.Encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding %s: %w", FileName, err)
	}
	return f.Close()
}

// Component describes the dependency file at path. Files in the maven
// layout of the cache get a package URL.
func (d Dependencies) Component(path string) (cdx.Component, error) {
	sum, err := fileSHA256(path)
	if err != nil {
		return cdx.Component{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	c := cdx.Component{
		BOMRef: "file:" + path,
		Type:   cdx.ComponentTypeLibrary,
		Name:   filepath.Base(path),
		Hashes: &[]cdx.Hash{
			{Algorithm: cdx.HashAlgoSHA256, Value: sum},
		},
		Properties: &[]cdx.Property{
			{Name: "czertainly:agent:path", Value: path},
		},
	}
	if group, artifact, version, ok := d.maven(path); ok {
		c.Group = group
		c.Name = artifact
		c.Version = version
		c.PackageURL = "pkg:maven/" + group + "/" + artifact + "@" + version
		c.BOMRef = c.PackageURL
	}
	return c, nil
}

// maven parses <cache>/maven/<group dirs>/<artifact>/<version>/<file>
func (d Dependencies) maven(path string) (group, artifact, version string, ok bool) {
	rel, err := filepath.Rel(filepath.Join(d.cacheDir, "maven"), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 4 {
		return "", "", "", false
	}
	n := len(parts)
	return strings.Join(parts[:n-3], "."), parts[n-3], parts[n-2], true
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
