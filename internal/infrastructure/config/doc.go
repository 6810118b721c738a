// Package config handles loading and validating fleet node configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (FLEET_* and the legacy DEV_MODE)
//   - Validation of role-specific fields (shop or gadget)
//   - Resolving the gadget device name from the provisioning file
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml", "gadget")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.DeviceName())
package config
