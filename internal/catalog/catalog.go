// Package catalog holds the static requirement catalog: the document types an
// application may contain and the fields each of them needs.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/visadoc/internal/model"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// ErrInvalidCatalog is returned when catalog data fails load-time validation.
var ErrInvalidCatalog = eris.New("catalog: invalid")

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)+$`)

// file is the on-disk shape of the catalog YAML.
type file struct {
	Categories    map[model.Category][]string `yaml:"categories"`
	Fields        []model.FieldRequirement    `yaml:"fields"`
	DocumentTypes []model.DocumentTypeSpec    `yaml:"document_types"`
}

// Catalog is a validated, read-only registry of field requirements and
// document types. It is safe for concurrent use.
type Catalog struct {
	fields    []model.FieldRequirement
	byKey     map[string]*model.FieldRequirement
	order     map[string]int
	docs      []model.DocumentTypeSpec
	docByID   map[string]*model.DocumentTypeSpec
	namespace map[string]model.Category
}

// Default loads the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Load(embeddedCatalog)
}

// LoadFile loads and validates a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Load(data)
}

// Load parses and validates catalog YAML. Any document type referencing an
// undefined field, any key defined twice with different data types, and any
// field whose namespace has no category are rejected.
func Load(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}

	c := &Catalog{
		byKey:     make(map[string]*model.FieldRequirement, len(f.Fields)),
		order:     make(map[string]int, len(f.Fields)),
		docByID:   make(map[string]*model.DocumentTypeSpec, len(f.DocumentTypes)),
		namespace: make(map[string]model.Category),
	}

	var problems []string
	problems = append(problems, c.loadCategories(f.Categories)...)
	problems = append(problems, c.loadFields(f.Fields)...)
	problems = append(problems, c.loadDocumentTypes(f.DocumentTypes)...)

	if len(problems) > 0 {
		return nil, eris.Wrap(ErrInvalidCatalog, strings.Join(problems, "; "))
	}
	return c, nil
}

func (c *Catalog) loadCategories(cats map[model.Category][]string) []string {
	var problems []string
	for cat, namespaces := range cats {
		if cat == model.CategoryVerification || model.CategoryRank(cat) == len(model.CategoryOrder) {
			problems = append(problems, fmt.Sprintf("unknown category %q", cat))
			continue
		}
		for _, ns := range namespaces {
			if prev, ok := c.namespace[ns]; ok && prev != cat {
				problems = append(problems, fmt.Sprintf("namespace %q mapped to both %s and %s", ns, prev, cat))
				continue
			}
			c.namespace[ns] = cat
		}
	}
	return problems
}

func (c *Catalog) loadFields(fields []model.FieldRequirement) []string {
	var problems []string
	for _, fr := range fields {
		if i, ok := c.order[fr.Key]; ok {
			if existing := c.fields[i]; existing.DataType != fr.DataType {
				problems = append(problems, fmt.Sprintf("field %s: ambiguous schema (%s vs %s)", fr.Key, existing.DataType, fr.DataType))
			} else {
				zap.L().Debug("catalog: duplicate field definition ignored", zap.String("key", fr.Key))
			}
			continue
		}
		problems = append(problems, c.checkField(fr)...)
		c.fields = append(c.fields, fr)
		c.order[fr.Key] = len(c.fields) - 1
	}
	// Index after appending so pointers stay valid.
	for i := range c.fields {
		c.byKey[c.fields[i].Key] = &c.fields[i]
	}
	for _, fr := range c.fields {
		problems = append(problems, c.checkConditional(fr)...)
	}
	return problems
}

func (c *Catalog) checkField(fr model.FieldRequirement) []string {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("field %s: ", fr.Key)+fmt.Sprintf(format, args...))
	}

	if !keyPattern.MatchString(fr.Key) {
		bad("key must be a dotted lowercase name")
	}
	if _, ok := c.namespace[fr.Namespace()]; !ok {
		bad("namespace %q has no category", fr.Namespace())
	}
	if strings.TrimSpace(fr.DisplayName) == "" {
		bad("display_name is required")
	}
	if strings.TrimSpace(fr.QuestionText) == "" {
		bad("question_text is required")
	}
	if !fr.DataType.Valid() {
		bad("unknown data_type %q", fr.DataType)
	}
	if !fr.Priority.Valid() {
		bad("unknown priority %q", fr.Priority)
	}
	switch {
	case fr.DataType == model.DataTypeSelect && len(fr.Options) == 0:
		bad("select requires options")
	case fr.DataType != model.DataTypeSelect && len(fr.Options) > 0:
		bad("options are only allowed for select")
	}
	if fr.DataType == model.DataTypeArray {
		if len(fr.SubFields) == 0 {
			bad("array requires sub_fields")
		}
		seen := make(map[string]bool, len(fr.SubFields))
		for _, sf := range fr.SubFields {
			if sf.Key == "" || seen[sf.Key] {
				bad("sub_field key %q is empty or duplicated", sf.Key)
			}
			seen[sf.Key] = true
			if !sf.DataType.Valid() || sf.DataType == model.DataTypeArray || sf.DataType == model.DataTypeSelect {
				bad("sub_field %s has unsupported data_type %q", sf.Key, sf.DataType)
			}
		}
	} else if len(fr.SubFields) > 0 {
		bad("sub_fields are only allowed for array")
	}
	return problems
}

func (c *Catalog) checkConditional(fr model.FieldRequirement) []string {
	cond := fr.Conditional
	if cond == nil {
		return nil
	}
	prefix := fmt.Sprintf("field %s: conditional ", fr.Key)
	if cond.Field == fr.Key {
		return []string{prefix + "refers to itself"}
	}
	target, ok := c.byKey[cond.Field]
	if !ok {
		return []string{prefix + fmt.Sprintf("refers to undefined field %s", cond.Field)}
	}
	if (cond.Equals == "") == (len(cond.In) == 0) {
		return []string{prefix + "needs exactly one of equals or in"}
	}

	values := cond.In
	if cond.Equals != "" {
		values = []string{cond.Equals}
	}
	var problems []string
	for _, v := range values {
		switch target.DataType {
		case model.DataTypeSelect:
			if !slices.Contains(target.Options, v) {
				problems = append(problems, prefix+fmt.Sprintf("value %q is not an option of %s", v, target.Key))
			}
		case model.DataTypeBoolean:
			if v != "true" && v != "false" {
				problems = append(problems, prefix+fmt.Sprintf("value %q is not a boolean", v))
			}
		}
	}
	return problems
}

func (c *Catalog) loadDocumentTypes(docs []model.DocumentTypeSpec) []string {
	var problems []string
	for _, d := range docs {
		if d.TypeID == "" {
			problems = append(problems, "document type with empty type_id")
			continue
		}
		if _, dup := c.docByID[d.TypeID]; dup {
			problems = append(problems, fmt.Sprintf("document type %s defined twice", d.TypeID))
			continue
		}
		seen := make(map[string]bool, len(d.FieldKeys))
		for _, k := range d.FieldKeys {
			if _, ok := c.byKey[k]; !ok {
				problems = append(problems, fmt.Sprintf("document type %s references undefined field %s", d.TypeID, k))
			}
			if seen[k] {
				problems = append(problems, fmt.Sprintf("document type %s lists field %s twice", d.TypeID, k))
			}
			seen[k] = true
		}
		c.docs = append(c.docs, d)
		c.docByID[d.TypeID] = &c.docs[len(c.docs)-1]
	}
	// Re-index: appends above may have moved the backing array.
	for i := range c.docs {
		c.docByID[c.docs[i].TypeID] = &c.docs[i]
	}
	return problems
}

// RequirementsFor returns the ordered field requirements of a document type.
// Unknown document types yield nil.
func (c *Catalog) RequirementsFor(docType string) []model.FieldRequirement {
	d, ok := c.docByID[docType]
	if !ok {
		return nil
	}
	out := make([]model.FieldRequirement, 0, len(d.FieldKeys))
	for _, k := range d.FieldKeys {
		if f, ok := c.byKey[k]; ok {
			out = append(out, f.Clone())
		}
	}
	return out
}

// AllDocumentTypes returns every document type in catalog order.
func (c *Catalog) AllDocumentTypes() []model.DocumentTypeSpec {
	out := make([]model.DocumentTypeSpec, len(c.docs))
	for i, d := range c.docs {
		out[i] = d.Clone()
	}
	return out
}

// DocumentType looks up a document type by id.
func (c *Catalog) DocumentType(typeID string) (model.DocumentTypeSpec, bool) {
	d, ok := c.docByID[typeID]
	if !ok {
		return model.DocumentTypeSpec{}, false
	}
	return d.Clone(), true
}

// Field looks up a field requirement by key.
func (c *Catalog) Field(key string) (model.FieldRequirement, bool) {
	f, ok := c.byKey[key]
	if !ok {
		return model.FieldRequirement{}, false
	}
	return f.Clone(), true
}

// Fields returns every field requirement in catalog order.
func (c *Catalog) Fields() []model.FieldRequirement {
	out := make([]model.FieldRequirement, len(c.fields))
	for i, f := range c.fields {
		out[i] = f.Clone()
	}
	return out
}

// Position returns the catalog order of key, used for stable sorting.
// Unknown keys sort last.
func (c *Catalog) Position(key string) int {
	if i, ok := c.order[key]; ok {
		return i
	}
	return len(c.fields)
}

// CategoryOf returns the display category of a field key. Load guarantees
// every catalog key has one.
func (c *Catalog) CategoryOf(key string) model.Category {
	ns, _, _ := strings.Cut(key, ".")
	return c.namespace[ns]
}
