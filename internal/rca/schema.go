package rca

const rcaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["whys", "root_cause", "concrete_edits"],
  "additionalProperties": false,
  "properties": {
    "whys": {
      "type": "array",
      "minItems": 5,
      "maxItems": 5,
      "items": {"type": "string", "minLength": 1}
    },
    "root_cause": {"type": "string", "minLength": 1},
    "concrete_edits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["file", "action", "detail"],
        "additionalProperties": false,
        "properties": {
          "file": {"type": "string", "minLength": 1},
          "action": {"type": "string", "enum": ["add", "modify", "delete"]},
          "detail": {"type": "string"}
        }
      }
    }
  }
}`
