package config

import "github.com/goccy/go-yaml"

func UnmarshalProfileConfig(data []byte) (*Profile, error) {
	var cfg Profile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MarshalProfileConfig(cfg *Profile) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func UnmarshalClientConfig(data []byte) (*Client, error) {
	var cfg Client
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MarshalClientConfig(cfg *Client) ([]byte, error) {
	return yaml.Marshal(cfg)
}
