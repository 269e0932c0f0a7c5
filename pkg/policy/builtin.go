package policy

// builtinPolicies returns the policies every engine starts with. They
// encode the guardrails that bit us in real fleets: unreviewed
// privileged containers, production deletes and unbounded instances.
func builtinPolicies() []Policy {
	return []Policy{
		namingPolicy(),
		privilegedContainerPolicy(),
		nestingPolicy(),
		productionDeletePolicy(),
		memoryLimitPolicy(),
	}
}

// namingPolicy enforces Incus-compatible resource names.
func namingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names must be lowercase alphanumerics and hyphens, at most 63 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package incant.naming

deny contains violation if {
	not regex.match("^[a-z0-9][a-z0-9-]*$", input.name)
	violation := {
		"message": sprintf("name %q must start with a lowercase letter or digit and contain only lowercase letters, digits and hyphens", [input.name]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.name) > 63
	violation := {
		"message": sprintf("name %q exceeds 63 characters", [input.name]),
		"severity": "error",
	}
}

deny contains violation if {
	endswith(input.name, "-")
	violation := {
		"message": sprintf("name %q must not end with a hyphen", [input.name]),
		"severity": "error",
	}
}
`,
	}
}

// privilegedContainerPolicy blocks privileged containers, whether
// declared in the spec or introduced by a planned mutation.
func privilegedContainerPolicy() Policy {
	return Policy{
		Name:        "no-privileged-containers",
		Description: "Blocks security.privileged=true on instances and profiles",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package incant.privileged

relevant if input.kind == "instance"
relevant if input.kind == "profile"

deny contains violation if {
	relevant
	input.spec.config["security.privileged"] == "true"
	violation := {
		"message": sprintf("%s %q requests a privileged container", [input.kind, input.name]),
		"severity": "critical",
	}
}

deny contains violation if {
	relevant
	some m in input.mutations
	m.key == "security.privileged"
	m.value == "true"
	violation := {
		"message": sprintf("planned change sets security.privileged on %s %q", [input.kind, input.name]),
		"severity": "critical",
	}
}
`,
	}
}

// nestingPolicy flags nested container support, which widens the attack
// surface but is sometimes legitimate.
func nestingPolicy() Policy {
	return Policy{
		Name:        "nesting-review",
		Description: "Warns when security.nesting is enabled",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package incant.nesting

deny contains violation if {
	input.spec.config["security.nesting"] == "true"
	violation := {
		"message": sprintf("%s %q enables container nesting", [input.kind, input.name]),
		"severity": "warning",
	}
}
`,
	}
}

// productionDeletePolicy blocks resource deletion when the run targets
// the production environment.
func productionDeletePolicy() Policy {
	return Policy{
		Name:        "no-production-deletes",
		Description: "Blocks delete operations when the environment is production",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package incant.deletes

deny contains violation if {
	input.context.environment == "production"
	input.operation == "delete"
	violation := {
		"message": sprintf("refusing to delete %s %q in production", [input.kind, input.name]),
		"severity": "error",
	}
}
`,
	}
}

// memoryLimitPolicy nudges instance declarations toward explicit memory
// limits so one guest cannot starve the host.
func memoryLimitPolicy() Policy {
	return Policy{
		Name:        "memory-limit-required",
		Description: "Warns when an instance declares no limits.memory",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"limits"},
		Rego: `package incant.limits

deny contains violation if {
	input.kind == "instance"
	input.operation != "delete"
	not input.spec.config["limits.memory"]
	violation := {
		"message": sprintf("instance %q has no limits.memory", [input.name]),
		"severity": "warning",
	}
}
`,
	}
}
