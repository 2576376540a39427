package expect

// DefaultScripts returns built-in scripts for common interactive workflows.
func DefaultScripts() []*Script {
	scripts := []*Script{
		aptUpgradeScript(),
		sshHostKeyScript(),
		mkfsConfirmScript(),
	}
	for _, s := range scripts {
		_ = s.Compile()
	}
	return scripts
}

func aptUpgradeScript() *Script {
	return &Script{
		Name:        "apt_upgrade",
		Description: "Answers apt upgrade prompts",
		Steps: []Step{
			{
				Name:     "continue",
				Pattern:  `Do you want to continue\?\s*\[Y/n\]`,
				Response: "Y",
				Repeat:   true,
			},
			{
				Name:     "restart_services",
				Pattern:  `Restart services during package upgrades`,
				Response: "", // accept default
				Optional: true,
			},
			{
				Name:     "keep_local_config",
				Pattern:  `keep the local version currently installed`,
				Response: "", // accept default
				Optional: true,
			},
		},
	}
}

func sshHostKeyScript() *Script {
	return &Script{
		Name:        "ssh_host_key",
		Description: "Accepts SSH host key verification prompts",
		Steps: []Step{
			{
				Name:     "accept_host_key",
				Pattern:  `Are you sure you want to continue connecting.*\(yes/no(/\[fingerprint\])?\)\?`,
				Response: "yes",
				Optional: true,
			},
		},
	}
}

func mkfsConfirmScript() *Script {
	return &Script{
		Name:        "mkfs_confirm",
		Description: "Confirms mkfs overwrite prompts",
		Steps: []Step{
			{
				Name:     "proceed",
				Pattern:  `Proceed anyway\? \(y,N\)`,
				Response: "y",
				Optional: true,
			},
		},
	}
}
