/*
Package profiles loads worker profiles and spawn policy.

A profiles file is YAML with five sections:

	defaults:     policy applied to every profile
	policy:       per-profile policy overrides
	profiles:     worker profiles
	models:       model catalog used to resolve auto/node model tags
	mcp_servers:  tool servers a profile may reference by name

Policy layers are merged field by field: built-in defaults, then the file
defaults, then the per-profile override. The Store answers the policy
predicates (CanAutoSpawn, CanSpawnOnDemand, CanSpawnManually, CanWarmPool,
CanReuseExisting) and notifies OnChange callbacks after every Replace.

A Watcher reloads the file on change, debounced. An invalid file is logged
and the previous document stays active.
*/
package profiles
