package config

import "fmt"

// ClusterGPU is the per-cluster GPU partition block from spec §6: the
// partition jobs land on when GPUs are requested, the GRES string
// passed to SLURM, and the resource ceiling for that partition.
type ClusterGPU struct {
	Partition   string `mapstructure:"partition"`
	Gres        string `mapstructure:"gres"`
	MaxTime     string `mapstructure:"max_time"`
	Mem         string `mapstructure:"mem"`
}

// ClusterDefinition is one entry of the per-cluster block from spec
// §6: login host, default partition, compute-node bind paths, the
// container image used to launch IDE jobs, and library search paths,
// plus an optional GPU partition block. Read from the clusters: key
// of the YAML config file via viper's UnmarshalKey, since pflag and
// environment variables do not naturally express a list of structs.
type ClusterDefinition struct {
	Name          string       `mapstructure:"name"`
	Host          string       `mapstructure:"host"`
	Partition     string       `mapstructure:"partition"`
	BindPaths     []string     `mapstructure:"bind_paths"`
	ContainerImage string      `mapstructure:"container_image"`
	LibraryPaths  []string     `mapstructure:"library_paths"`
	GPU           *ClusterGPU  `mapstructure:"gpu"`
}

// Clusters unmarshals the clusters: list from the loaded config file.
func (c *Config) Clusters() ([]ClusterDefinition, error) {
	var clusters []ClusterDefinition
	if err := c.v.UnmarshalKey("clusters", &clusters); err != nil {
		return nil, fmt.Errorf("unmarshal clusters: %w", err)
	}
	for i, cl := range clusters {
		if cl.Name == "" {
			return nil, fmt.Errorf("cluster at index %d is missing a name", i)
		}
	}
	return clusters, nil
}
