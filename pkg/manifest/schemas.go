package manifest

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE schema for every declaration kind.
// Definitions are closed, so a misspelled spec key is a schema error
// rather than a silently ignored field.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry compiles and registers the built-in kind schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for kind, src := range kindSchemas {
		// Built-in schemas are compile-checked by the registry tests.
		_ = sr.Register(kind, src)
	}
	return sr
}

// Register compiles a schema and binds it to a kind, replacing any
// previous schema of that kind.
func (sr *SchemaRegistry) Register(kind, src string) error {
	val := sr.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("compiling schema for kind %s: %w", kind, err)
	}
	sr.mu.Lock()
	sr.schemas[kind] = val.LookupPath(cue.ParsePath("#Spec"))
	sr.mu.Unlock()
	return nil
}

// Kinds returns the registered kind names.
func (sr *SchemaRegistry) Kinds() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	kinds := make([]string, 0, len(sr.schemas))
	for k := range sr.schemas {
		kinds = append(kinds, k)
	}
	return kinds
}

// ValidateSpec checks a declaration spec against its kind's schema.
func (sr *SchemaRegistry) ValidateSpec(kind string, spec map[string]interface{}) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[kind]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}

	data := sr.ctx.Encode(spec)
	if err := data.Err(); err != nil {
		return fmt.Errorf("encoding spec: %w", err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// Per-kind spec schemas. Each schema exposes a #Spec definition; fields
// mirror the yaml tags of the matching spec struct in pkg/resources.
var kindSchemas = map[string]string{
	"profile": `
#Spec: {
	name: string
	description?: string
	config?: {[string]: _}
	devices?: {[string]: {[string]: string}}
	rename_from?: string
	force?: bool
}
`,
	"instance": `
#Spec: {
	name: string
	description?: string
	image?: string
	empty?: bool
	vm?: bool
	ephemeral?: bool
	started?: bool
	profiles?: [...string]
	no_profiles?: bool
	config?: {[string]: _}
	devices?: {[string]: {[string]: string}}
	network?: string
	storage?: string
	type?: "container" | "virtual-machine"
	target?: string
	cloud_init_user_data?: string
	cloud_init_network_config?: string
	cloud_init_vendor_data?: string
	cloud_init_disk?: bool
	rename_from?: string
	force?: bool
}
`,
	"config": `
#Spec: {
	instance: string
	config?: {[string]: _}
	devices?: {[string]: {[string]: string}}
	absent?: bool
}
`,
	"project": `
#Spec: {
	name: string
	description?: string
	config?: {[string]: _}
	rename_from?: string
	force?: bool
}
`,
	"network": `
#Spec: {
	name: string
	description?: string
	type?: string
	config?: {[string]: _}
	target?: string
	force?: bool
}
`,
	"network_acl": `
#Rule: {
	action: "allow" | "reject" | "drop"
	state?: "enabled" | "disabled" | "logged"
	description?: string
	source?: string
	destination?: string
	protocol?: "tcp" | "udp" | "icmp4" | "icmp6"
	source_port?: string
	destination_port?: string
	icmp_type?: string
	icmp_code?: string
}

#Spec: {
	name: string
	description?: string
	config?: {[string]: _}
	ingress?: [...#Rule]
	egress?: [...#Rule]
	force?: bool
}
`,
	"network_zone": `
#Spec: {
	name: string
	description?: string
	config?: {[string]: _}
}
`,
	"network_forward": `
#Port: {
	protocol: "tcp" | "udp"
	listen_port: string
	target_address: string
	target_port?: string
	description?: string
}

#Spec: {
	network: string
	listen_address: string
	description?: string
	config?: {[string]: _}
	ports?: [...#Port]
}
`,
	"storage_pool": `
#Spec: {
	name: string
	description?: string
	driver?: string
	config?: {[string]: _}
	force?: bool
}
`,
	"storage_volume": `
#Spec: {
	pool: string
	name: string
	description?: string
	type?: "filesystem" | "block"
	content_type?: "filesystem" | "block" | "iso"
	config?: {[string]: _}
	target?: string
}
`,
	"image": `
#Spec: {
	alias: string
	source?: string
	fingerprint?: string
	properties?: {[string]: _}
	aliases?: [...string]
	public?: bool
	auto_update?: bool
}
`,
	"snapshot": `
#Spec: {
	instance: string
	name: string
	expires?: string
	stateful?: bool
	reuse?: bool
	rename_from?: string
	restore?: bool
}
`,
	"copy": `
#Spec: {
	source: string
	dest?: string
	move?: bool
	mode?: "pull" | "push" | "relay"
	instance_only?: bool
	storage?: string
	profiles?: [...string]
	no_profiles?: bool
	ephemeral?: bool
}
`,
	"cluster_member": `
#Spec: {
	name: string
	groups?: [...string]
	config?: {[string]: _}
}
`,
	"file": `
#Spec: {
	instance: string
	dest: string
	content?: string
	uid?: int
	gid?: int
	mode?: string
}
`,
	"exec": `
#Spec: {
	instance: string
	command: [...string]
	uid?: int
	gid?: int
	cwd?: string
	env?: {[string]: string}
	creates?: string
	removes?: string
}
`,
}
