package process

// Pure resolution helpers over a name→Process snapshot. No I/O: callers take
// a repository snapshot first and pass it in.

// BoundProcesses returns the names of processes whose binds_to set contains
// name. Stopping name cascades to these.
func BoundProcesses(name string, all map[string]Process) []string {
	var out []string
	for _, p := range all {
		for _, b := range p.BindsTo {
			if b == name {
				out = append(out, p.Name)
				break
			}
		}
	}
	return out
}

// ConflictingProcesses returns the currently running processes that are in
// conflict with p, in either direction: processes p conflicts with, and
// processes that declare a conflict with p.
func ConflictingProcesses(p Process, all map[string]Process) []Process {
	seen := make(map[string]struct{})
	var out []Process
	add := func(c Process) {
		if c.Name == p.Name || !c.IsRunning() {
			return
		}
		if _, ok := seen[c.Name]; ok {
			return
		}
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}
	for _, n := range p.Conflicts {
		if c, ok := all[n]; ok {
			add(c)
		}
	}
	for _, c := range all {
		for _, n := range c.Conflicts {
			if n == p.Name {
				add(c)
				break
			}
		}
	}
	return out
}
