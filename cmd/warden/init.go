package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) newInitCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Scaffold a new TinyGo plugin project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.initPlugin(dir, args[0])
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "parent directory of the new project")
	return cmd
}

func (c *cli) initPlugin(parent, name string) error {
	if name == "" || strings.ContainsAny(name, "/\\. ") {
		return fmt.Errorf("invalid plugin name %q: must be a simple identifier", name)
	}
	root := filepath.Join(parent, name)
	if _, err := os.Stat(root); err == nil {
		return fmt.Errorf("directory %q already exists", root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	files := map[string]string{
		"plugin.yaml": pluginYAMLTemplate(name),
		"main.go":     pluginMainGoTemplate(name),
		"Makefile":    pluginMakefileTemplate(),
		"README.md":   pluginReadmeTemplate(name),
	}
	for filename, content := range files {
		if err := os.WriteFile(filepath.Join(root, filename), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
	}

	fmt.Fprintf(c.stdout, "Plugin %q scaffolded in %s\n\n", name, root)
	fmt.Fprintln(c.stdout, "Next steps:")
	fmt.Fprintf(c.stdout, "  cd %s\n", root)
	fmt.Fprintln(c.stdout, "  make build")
	fmt.Fprintln(c.stdout, "  warden validate plugin.wasm")
	return nil
}

func pluginYAMLTemplate(name string) string {
	return `name: ` + name + `
binary: plugin.wasm
limits:
  max_memory_bytes: 16777216
  max_execution_time_ms: 1000
permissions:
  filesystem: false
  network: false
  env_vars: false
config: {}
`
}

func pluginMainGoTemplate(name string) string {
	return `//go:build tinygo

package main

import "unsafe"

// Host functions provided by the "warden" module.

//go:wasmimport warden host_log
func hostLog(level, ptr, size uint32) int32

// Buffers handed to the host stay reachable until plugin_free.
var buffers = map[uintptr][]byte{}

//export plugin_alloc
func pluginAlloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	buffers[ptr] = buf
	return uint32(ptr)
}

//export plugin_free
func pluginFree(ptr, size uint32) {
	delete(buffers, uintptr(ptr))
}

//export plugin_metadata
func pluginMetadata() uint64 {
	return pack(` + "`" + `{"name":"` + name + `","version":"0.1.0","type":"custom","capabilities":[]}` + "`" + `)
}

//export plugin_init
func pluginInit(ptr, size uint32) int32 {
	logMsg(1, "` + name + ` initialized")
	return 0
}

//export plugin_execute
func pluginExecute(ptr, size uint32) uint64 {
	input := unsafe.String((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	return pack(` + "`" + `{"plugin":"` + name + `","input":` + "`" + ` + input + "}")
}

//export plugin_shutdown
func pluginShutdown() int32 {
	logMsg(1, "` + name + ` shutting down")
	return 0
}

// pack copies s into a host-visible buffer and returns ptr<<32 | len.
func pack(s string) uint64 {
	ptr := pluginAlloc(uint32(len(s)))
	copy(buffers[uintptr(ptr)], s)
	return uint64(ptr)<<32 | uint64(len(s))
}

func logMsg(level uint32, msg string) {
	hostLog(level, uint32(uintptr(unsafe.Pointer(unsafe.StringData(msg)))), uint32(len(msg)))
}

func main() {}
`
}

func pluginMakefileTemplate() string {
	return `.PHONY: build clean validate run

build:
	tinygo build -o plugin.wasm -target wasm-unknown -gc=leaking -scheduler=none -no-debug main.go

clean:
	rm -f plugin.wasm

validate: build
	warden validate plugin.wasm

run: build
	warden run plugin.wasm --input '{"hello":"world"}'
`
}

func pluginReadmeTemplate(name string) string {
	return `# ` + name + `

A warden WebAssembly plugin.

## Build

` + "```" + `bash
make build
` + "```" + `

## Validate and run

` + "```" + `bash
warden validate plugin.wasm
warden run plugin.wasm --input '{"hello":"world"}'
` + "```" + `

## Install

Copy this directory under one of the ` + "`plugins.dirs`" + ` entries of warden.yaml.
` + "`warden serve`" + ` loads it at startup using the limits and permissions in
plugin.yaml.
`
}
