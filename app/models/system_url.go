package models

// SystemURL describes one downstream system and how to reach its bus.
type SystemURL struct {
	ExternalURL string `json:"externalUrl" yaml:"externalUrl" validate:"required"`
	Transport   string `json:"transport" yaml:"transport" validate:"omitempty,oneof=redis nats memory"`
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"-" yaml:"password"`
	Prefix      string `json:"prefix" yaml:"prefix"`
}
