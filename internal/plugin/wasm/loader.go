package wasm

import (
	"context"
	"encoding/hex"
	"slices"

	"github.com/tetratelabs/wazero"
	"golang.org/x/crypto/blake2b"

	"warden/internal/domain"
)

// maxMemoryPages is the largest linear memory a 32-bit module can address.
const maxMemoryPages = 65536

// ValidatedModule is a module binary that passed structural and ABI checks.
// It holds no compiled state; instances compile their own metered copy.
type ValidatedModule struct {
	// Digest is the hex BLAKE2b-256 of the original bytes.
	Digest string
	// Imports lists the host functions the module imports, in import order.
	Imports []string
	// Size is the length of the binary in bytes.
	Size int

	bin []byte
}

// LoadBytes checks the module header and compiles bin. The returned module
// belongs to the validation runtime; the caller must close it.
func (r *Runtime) LoadBytes(ctx context.Context, bin []byte) (wazero.CompiledModule, error) {
	const op = "Validator.LoadBytes"
	if !hasModuleHeader(bin) {
		return nil, domain.NewDomainError(op, domain.ErrNotAModule, "")
	}
	compiled, err := r.validate.CompileModule(ctx, bin)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrCompileFailed, err.Error())
	}
	return compiled, nil
}

// Validate checks that bin is a compilable module implementing the plugin
// ABI and importing only known host functions. Guest code is never run.
func (r *Runtime) Validate(ctx context.Context, bin []byte) (*ValidatedModule, error) {
	const op = "Validator.Validate"

	compiled, err := r.LoadBytes(ctx, bin)
	if err != nil {
		return nil, err
	}
	defer compiled.Close(ctx)

	exports := compiled.ExportedFunctions()
	for _, name := range requiredExportOrder {
		def, ok := exports[name]
		if !ok || !RequiredExports[name].equal(def.ParamTypes(), def.ResultTypes()) {
			return nil, domain.NewDomainError(op, domain.ErrMissingExport, name)
		}
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return nil, domain.NewDomainError(op, domain.ErrMissingExport, ExportMemory)
	}

	layout, err := scanModule(bin)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrCompileFailed, err.Error())
	}
	for _, imp := range layout.imports {
		if imp.kind != kindFunc || imp.module != HostModule {
			return nil, domain.NewDomainError(op, domain.ErrUnsupportedImport, imp.module+"."+imp.name)
		}
	}

	var imports []string
	for _, def := range compiled.ImportedFunctions() {
		_, name, _ := def.Import()
		want, ok := HostFunctions[name]
		if !ok || !want.equal(def.ParamTypes(), def.ResultTypes()) {
			return nil, domain.NewDomainError(op, domain.ErrUnsupportedImport, HostModule+"."+name)
		}
		if !slices.Contains(imports, name) {
			imports = append(imports, name)
		}
	}

	// Instantiation meters the module; reject anything the meter cannot rewrite.
	if _, err := instrument(bin, maxMemoryPages, 1); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrCompileFailed, err.Error())
	}

	sum := blake2b.Sum256(bin)
	return &ValidatedModule{
		Digest:  hex.EncodeToString(sum[:]),
		Imports: imports,
		Size:    len(bin),
		bin:     slices.Clone(bin),
	}, nil
}
