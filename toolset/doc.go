// Package toolset provides the concrete tools the agent loop calls, together
// with the collaborators that surround them.
//
// CoreTools binds read_file, write_file, edit_file, list_dir, glob, grep and
// shell to an Environment; write_file, edit_file and shell are sensitive.
// Policy implements agentloop.Guardrails, CommandHooks implements
// agentloop.Hooks with user shell commands, and TerminalConfirmer implements
// agentloop.Confirmer.
package toolset
