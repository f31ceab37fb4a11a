// Package config defines the process configuration for a distributed
// key index node: its rank/address, its Raft bootstrap peers, its
// ZooKeeper membership root, and ambient logging — parsed from YAML
// with goccy/go-yaml the same way the rest of this codebase's ambient
// stack does.
package config

// Config is the root configuration structure for cmd/node.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Node      NodeConfig      `yaml:"node" validate:"required"`
	Raft      RaftConfig      `yaml:"raft" validate:"required"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper" validate:"required"`
}

// LoggerConfig configures the slog handler.
type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// NodeConfig identifies this process within the collective transport
// group. Peers must be identical, identically ordered, across every
// rank — peers[i] is rank i's advertised base URL.
type NodeConfig struct {
	ListenAddr string   `yaml:"listen_addr" validate:"required"`
	Peers      []string `yaml:"peers" validate:"required,min=1"`
}

// RaftPeerConfig is one voter in the bootstrap raft group.
type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// RaftConfig configures the one-shot raft group used to agree on the
// construction-time span list before the collective transport starts
// serving index traffic.
type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=1"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg" validate:"required"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready" validate:"required"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size" validate:"required"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
}

// ZookeeperConfig locates the membership group this process joins to
// discover its peers and its rank.
type ZookeeperConfig struct {
	Servers  []string `yaml:"servers" validate:"required,min=1"`
	RootPath string   `yaml:"root_path" validate:"required"`
}

// Default returns a single-node development configuration.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Node: NodeConfig{
			ListenAddr: ":9000",
			Peers:      []string{"http://127.0.0.1:9000"},
		},
		Raft: RaftConfig{
			ID:                        1,
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:9000"}},
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		},
		Zookeeper: ZookeeperConfig{
			Servers:  []string{"127.0.0.1:2181"},
			RootPath: "/distkeyindex",
		},
	}
}
