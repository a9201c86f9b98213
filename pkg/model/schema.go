package model

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaValidator checks decoded definition documents against the CUE schema
// before they are bound to Go structs.
type SchemaValidator struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewSchemaValidator compiles the built-in process definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(processDefinitionSchema, cue.Filename("process.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile process definition schema: %w", err)
	}

	schema := val.LookupPath(cue.ParsePath("#ProcessDefinition"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up #ProcessDefinition: %w", err)
	}

	return &SchemaValidator{ctx: ctx, schema: schema}, nil
}

// Validate unifies a generic document with the schema.
func (sv *SchemaValidator) Validate(doc interface{}) error {
	dataVal := sv.ctx.Encode(doc)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	unified := sv.schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

const processDefinitionSchema = `
#Identifier: string & =~"^[A-Za-z_][A-Za-z0-9_.-]*$"

#ActivityType: "startEvent" | "endEvent" | "task" | "userTask" | "serviceTask" |
	"exclusiveGateway" | "parallelGateway" | "inclusiveGateway" |
	"subProcess" | "callActivity" | "intermediateCatchEvent" | "boundaryEvent"

#Timer: {
	duration?: string
	date?:     string
	cycle?:    string
}

#LoopCharacteristics: {
	sequential?:          bool
	cardinality?:         string | int
	collection?:          string
	elementVariable?:     string
	completionCondition?: string
}

#DataObject: {
	name:   #Identifier
	value?: _
}

#Activity: {
	id:                    #Identifier
	name?:                 string
	type:                  #ActivityType
	scope?:                #Identifier
	attachedTo?:           #Identifier
	cancelActivity?:       bool
	timer?:                #Timer
	multiInstance?:        #LoopCharacteristics
	calledElement?:        string
	calledElementVersion?: int & >=0
	dataObjects?: [...#DataObject]
	default?: #Identifier
}

#Flow: {
	id:         #Identifier
	source:     #Identifier
	target:     #Identifier
	condition?: string
}

#ProcessDefinition: {
	key:   #Identifier
	name?: string
	dataObjects?: [...#DataObject]
	activities: [#Activity, ...#Activity]
	flows?: [...#Flow]
}
`
