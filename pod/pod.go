// Package pod composes cells into pods: named groups of OCI-bundle
// containers sharing one isolation boundary. The pod manager owns no kernel
// state of its own; every resource decision is delegated to the cell
// registry, the bundle fetcher and the network manager.
package pod

import (
	"encoding/json"
	"io/ioutil"
	"path"
	"sync"

	log "github.com/sirupsen/logrus"

	"cellbox/cell"
	"cellbox/cellerr"
	"cellbox/network"
	"cellbox/util"
)

// DefaultBundleRoot is where fetched container bundles are materialized.
const DefaultBundleRoot = "/var/lib/cellbox/pods"

// Container names one OCI image inside a pod.
type Container struct {
	Name     string
	Image    string
	Registry string
}

func (c *Container) Validate() error {
	if c.Name == "" {
		return cellerr.New(cellerr.InvalidArgument, "container name is required")
	}
	if c.Image == "" {
		return cellerr.New(cellerr.InvalidArgument, "container %s: image is required", c.Name)
	}
	return nil
}

// Spec describes a pod: its name, its containers in start order, and
// optionally the network to attach it to.
type Spec struct {
	Name       string
	Containers []Container
	Network    string
}

func (s *Spec) Validate() error {
	if s.Name == "" {
		return cellerr.New(cellerr.InvalidArgument, "pod name is required")
	}
	if len(s.Containers) == 0 {
		return cellerr.New(cellerr.InvalidArgument, "pod %s has no containers", s.Name)
	}
	seen := map[string]bool{}
	for i := range s.Containers {
		c := &s.Containers[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return cellerr.New(cellerr.InvalidArgument, "pod %s: duplicate container name %s", s.Name, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Pod is a live allocated pod. The exported fields persist to pod.json in
// the pod's bundle directory so one-shot invocations share pod state.
type Pod struct {
	Spec     Spec              `json:"spec"`
	Endpoint *network.Endpoint `json:"endpoint,omitempty"`
}

// Config carries the pod manager's collaborators.
type Config struct {
	// Cells is the underlying cell registry; required.
	Cells *cell.Registry
	// Fetcher materializes container bundles; required.
	Fetcher Fetcher
	// BundleRoot overrides DefaultBundleRoot when set.
	BundleRoot string
	// Networks enables pod networking when non-nil.
	Networks *network.Manager
}

// Manager maps pod operations onto the cell engine. Each pod is backed by
// one cell carrying the pod's name: process and network isolation on, so
// every container in the pod shares the same namespaces and cgroup node.
type Manager struct {
	cells      *cell.Registry
	fetcher    Fetcher
	bundleRoot string
	networks   *network.Manager

	mu   sync.Mutex
	pods map[string]*Pod
}

func NewManager(cfg Config) (*Manager, error) {
	bundleRoot := cfg.BundleRoot
	if bundleRoot == "" {
		bundleRoot = DefaultBundleRoot
	}
	m := &Manager{
		cells:      cfg.Cells,
		fetcher:    cfg.Fetcher,
		bundleRoot: bundleRoot,
		networks:   cfg.Networks,
		pods:       map[string]*Pod{},
	}
	if err := m.loadPods(); err != nil {
		return nil, err
	}
	return m, nil
}

const podStateName = "pod.json"

func (m *Manager) loadPods() error {
	if !util.PathExists(m.bundleRoot) {
		return nil
	}
	entries, err := ioutil.ReadDir(m.bundleRoot)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "list pods")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		content, err := ioutil.ReadFile(path.Join(m.bundleRoot, entry.Name(), podStateName))
		if err != nil {
			continue
		}
		pod := &Pod{}
		if err := json.Unmarshal(content, pod); err != nil {
			log.Warnf("skip unreadable pod state %s: %v", entry.Name(), err)
			continue
		}
		m.pods[pod.Spec.Name] = pod
	}
	return nil
}

func (m *Manager) dumpPod(pod *Pod) error {
	m.mu.Lock()
	content, err := json.Marshal(pod)
	m.mu.Unlock()
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "marshal pod %s", pod.Spec.Name)
	}
	statePath := path.Join(m.bundleRoot, pod.Spec.Name, podStateName)
	if err := ioutil.WriteFile(statePath, content, 0644); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "write pod state %s", statePath)
	}
	return nil
}

func (m *Manager) bundleDir(podName, containerName string) string {
	return path.Join(m.bundleRoot, podName, containerName)
}

func (m *Manager) get(name string) *Pod {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pods[name]
}

// endpointOf and setEndpoint guard Endpoint with the same lock as the pod
// map; Start writes it while listing and teardown read it.
func (m *Manager) endpointOf(pod *Pod) *network.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pod.Endpoint
}

func (m *Manager) setEndpoint(pod *Pod, endpoint *network.Endpoint) {
	m.mu.Lock()
	pod.Endpoint = endpoint
	m.mu.Unlock()
}

// Allocate reserves the pod's shared boundary and fetches every container's
// bundle. No processes are started. A fetch failure rolls back the bundles
// and the underlying cell before returning.
func (m *Manager) Allocate(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Network != "" && m.networks == nil {
		return cellerr.New(cellerr.InvalidArgument, "pod %s wants network %s but networking is disabled", spec.Name, spec.Network)
	}

	m.mu.Lock()
	if _, taken := m.pods[spec.Name]; taken {
		m.mu.Unlock()
		return cellerr.New(cellerr.AlreadyExists, "pod %s already exists", spec.Name)
	}
	// Reserve the name before the slow fetch; concurrent allocates of the
	// same pod must not race past each other.
	m.pods[spec.Name] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.pods, spec.Name)
		m.mu.Unlock()
	}

	if _, err := m.cells.Allocate(spec.Name, cell.Spec{
		IsolateProcess: true,
		IsolateNetwork: true,
	}); err != nil {
		release()
		return err
	}

	if err := util.EnsureDir(path.Join(m.bundleRoot, spec.Name)); err != nil {
		m.rollbackAllocate(spec.Name)
		release()
		return cellerr.Wrap(cellerr.Internal, err, "create bundle dir for pod %s", spec.Name)
	}
	for _, c := range spec.Containers {
		if err := m.fetcher.Fetch(c.Image, c.Registry, m.bundleDir(spec.Name, c.Name)); err != nil {
			m.rollbackAllocate(spec.Name)
			release()
			return err
		}
	}

	pod := &Pod{Spec: spec}
	if err := m.dumpPod(pod); err != nil {
		m.rollbackAllocate(spec.Name)
		release()
		return err
	}

	m.mu.Lock()
	m.pods[spec.Name] = pod
	m.mu.Unlock()
	log.Infof("pod %s: allocated with %d containers", spec.Name, len(spec.Containers))
	return nil
}

func (m *Manager) rollbackAllocate(podName string) {
	if err := removeBundle(path.Join(m.bundleRoot, podName)); err != nil {
		log.Warnf("pod %s: roll back bundles: %v", podName, err)
	}
	if err := m.cells.Free(podName); err != nil {
		log.Warnf("pod %s: roll back cell: %v", podName, err)
	}
}

// Start runs every container's entrypoint inside the pod's boundary, in
// spec order. The first container anchors the pod's namespaces; once its
// pid exists the pod is attached to its network.
func (m *Manager) Start(name string) error {
	pod := m.get(name)
	if pod == nil {
		return cellerr.New(cellerr.NotFound, "pod %s not found", name)
	}

	for i, c := range pod.Spec.Containers {
		bundle, err := loadBundleConfig(m.bundleDir(name, c.Name))
		if err != nil {
			return err
		}
		pid, err := m.cells.Start(name, cell.Executable{
			Name:        c.Name,
			Command:     entrypoint(bundle),
			Description: "container " + c.Image,
		})
		if err != nil {
			return err
		}
		if i == 0 && pod.Spec.Network != "" && m.endpointOf(pod) == nil {
			endpoint, err := m.networks.Connect(pod.Spec.Network, pid)
			if err != nil {
				if stopErr := m.cells.Stop(name, c.Name); stopErr != nil {
					log.Warnf("pod %s: roll back container %s: %v", name, c.Name, stopErr)
				}
				return err
			}
			m.setEndpoint(pod, endpoint)
			if err := m.dumpPod(pod); err != nil {
				log.Warnf("pod %s: persist endpoint: %v", name, err)
			}
		}
	}
	log.Infof("pod %s: started", name)
	return nil
}

// Stop halts one container of the pod.
func (m *Manager) Stop(podName, containerName string) error {
	pod := m.get(podName)
	if pod == nil {
		return cellerr.New(cellerr.NotFound, "pod %s not found", podName)
	}
	if !pod.hasContainer(containerName) {
		return cellerr.New(cellerr.NotFound, "container %s not found in pod %s", containerName, podName)
	}
	return m.cells.Stop(podName, containerName)
}

// Free tears the pod down. It refuses while any container is still running,
// mirroring the cell engine's strict free policy.
func (m *Manager) Free(name string) error {
	pod := m.get(name)
	if pod == nil {
		return cellerr.New(cellerr.NotFound, "pod %s not found", name)
	}

	if err := m.cells.Free(name); err != nil && !cellerr.Is(err, cellerr.NotFound) {
		return err
	}
	if endpoint := m.endpointOf(pod); endpoint != nil {
		if err := m.networks.Disconnect(endpoint); err != nil {
			log.Warnf("pod %s: release endpoint: %v", name, err)
		}
	}
	if err := removeBundle(path.Join(m.bundleRoot, name)); err != nil {
		log.Warnf("pod %s: remove bundles: %v", name, err)
	}

	m.mu.Lock()
	delete(m.pods, name)
	m.mu.Unlock()
	log.Infof("pod %s: freed", name)
	return nil
}

// Names returns the live pod names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, pod := range m.pods {
		if pod != nil {
			names = append(names, name)
		}
	}
	return names
}

func (p *Pod) hasContainer(name string) bool {
	for _, c := range p.Spec.Containers {
		if c.Name == name {
			return true
		}
	}
	return false
}
