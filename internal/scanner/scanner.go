// Package scanner discovers agents and projects from workspace layout
// conventions.
//
// The workspace root carries an "agents" directory whose entries are named
// with the agent prefix ("agent-research", "agent-data-pipeline"). Project
// directories sit beside it and are recognized by their "agent-workspace"
// subtree; the agent instances assigned to a project live under
// agent-workspace/agents. Discovery is read-only and idempotent: a second
// scan of an unchanged tree upserts the same entities.
package scanner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/steveyegge/lookout/internal/state"
)

const (
	agentPrefix       = "agent-"
	agentsDirName     = "agents"
	workspaceDirName  = "agent-workspace"
	descriptorFile    = "AGENT.md"
	projectManifest   = "project.yaml"
	capabilityHeading = "capabilities"
)

// Upserter receives discovered entities. The registry implements it.
type Upserter interface {
	UpsertDiscovered(agent *state.Agent)
	UpsertProject(project *state.Project)
}

// Scanner walks a workspace root and feeds discoveries into an Upserter.
type Scanner struct {
	root     string
	registry Upserter
	logger   *slog.Logger
}

// New creates a Scanner for the workspace root.
func New(root string, registry Upserter) *Scanner {
	return &Scanner{
		root:     root,
		registry: registry,
		logger:   slog.Default().With("component", "scanner"),
	}
}

// Scan discovers agents and projects. Unreadable candidates are logged and
// skipped; the scan only fails if the workspace root itself is unusable.
func (s *Scanner) Scan() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("checking workspace root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace root %s is not a directory", s.root)
	}

	s.scanAgentsDir(filepath.Join(s.root, agentsDirName), "")
	s.scanProjects()
	return nil
}

// scanAgentsDir upserts every agent-prefixed entry of dir. project is the
// owning project id, empty for town-level agents.
func (s *Scanner) scanAgentsDir(dir, project string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("skipping unreadable agents dir", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), agentPrefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		agent := &state.Agent{
			ID:           entry.Name(),
			Name:         DisplayName(entry.Name()),
			Type:         "worker",
			Status:       state.StatusOffline,
			Location:     "local",
			Project:      project,
			Path:         path,
			Capabilities: s.readCapabilities(filepath.Join(path, descriptorFile)),
		}
		s.registry.UpsertDiscovered(agent)
	}
}

// scanProjects looks for project directories beside the agents dir.
func (s *Scanner) scanProjects() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("skipping unreadable workspace root", "root", s.root, "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == agentsDirName || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		workspace := filepath.Join(path, workspaceDirName)
		if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
			continue
		}

		project := &state.Project{
			ID:     entry.Name(),
			Name:   DisplayName(entry.Name()),
			Path:   path,
			Status: "active",
		}
		s.applyManifest(project, filepath.Join(path, projectManifest))

		memberDir := filepath.Join(workspace, agentsDirName)
		project.AgentIDs = s.listAgentIDs(memberDir)
		s.scanAgentsDir(memberDir, project.ID)

		s.registry.UpsertProject(project)
	}
}

// manifest is the optional project.yaml, merged over defaults.
type manifest struct {
	Name     string `yaml:"name"`
	Status   string `yaml:"status"`
	Location string `yaml:"location"`
}

func (s *Scanner) applyManifest(project *state.Project, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("skipping unreadable project manifest", "path", path, "error", err)
		}
		return
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		s.logger.Warn("skipping malformed project manifest", "path", path, "error", err)
		return
	}
	if m.Name != "" {
		project.Name = m.Name
	}
	if m.Status != "" {
		project.Status = m.Status
	}
	if m.Location != "" {
		project.Location = m.Location
	}
}

func (s *Scanner) listAgentIDs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("skipping unreadable project agents dir", "dir", dir, "error", err)
		}
		return nil
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), agentPrefix) {
			ids = append(ids, entry.Name())
		}
	}
	return ids
}

// readCapabilities extracts list items under a "Capabilities" heading from
// an agent descriptor. A missing descriptor is normal; a malformed one just
// yields no capabilities.
func (s *Scanner) readCapabilities(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("skipping unreadable descriptor", "path", path, "error", err)
		}
		return nil
	}

	var caps []string
	inSection := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			inSection = heading == capabilityHeading
			continue
		}
		if !inSection || trimmed == "" {
			continue
		}
		item := strings.TrimSpace(strings.TrimLeft(trimmed, "-*+ \t"))
		if item != "" {
			caps = append(caps, item)
		}
	}
	return caps
}

var titleCaser = cases.Title(language.English)

// DisplayName derives a human-readable name from a directory name:
// the agent prefix is dropped, dashes and underscores become spaces, and
// words are title-cased. "agent-data_pipeline" becomes "Data Pipeline".
func DisplayName(dirName string) string {
	name := strings.TrimPrefix(dirName, agentPrefix)
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return dirName
	}
	return titleCaser.String(name)
}
