package planner

const planSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary", "steps", "criteria"],
  "additionalProperties": false,
  "properties": {
    "summary": {"type": "string"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "role"],
        "additionalProperties": false,
        "properties": {
          "path": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "role": {"type": "string", "enum": ["source", "test"]},
          "summary": {"type": "string"}
        }
      }
    },
    "criteria": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description", "verification_type"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "verification_type": {"type": "string", "enum": ["command", "file-exists", "test-pass"]},
          "target_file": {"type": "string"},
          "command": {"type": "string"}
        }
      }
    }
  }
}`
