package executor

import (
	"fmt"
)

// MergeError is a merge failure tagged with the stable error code it
// surfaces as (spec error-code table: EXECUTION_MERGE_LENGTH,
// EXECUTION_TYPENAME_MISMATCH), so callers can populate a GraphQLError's
// extensions.code without re-parsing the message.
type MergeError struct {
	Code    string
	Message string
}

func (e *MergeError) Error() string {
	return e.Message
}

func mergeLengthError(path []string, target, source int) *MergeError {
	return &MergeError{
		Code:    "EXECUTION_MERGE_LENGTH",
		Message: fmt.Sprintf("source and target list lengths do not match at path %v: target=%d, source=%d", path, target, source),
	}
}

func typenameMismatchError(path []string, target, source string) *MergeError {
	return &MergeError{
		Code:    "EXECUTION_TYPENAME_MISMATCH",
		Message: fmt.Sprintf("__typename mismatch at path %v: target=%q, source=%q", path, target, source),
	}
}

// checkTypenameAgreement returns a MergeError when both target and source
// carry a __typename and they disagree. A missing __typename on either side
// is not a disagreement (not every merge target has one, e.g. plain objects).
func checkTypenameAgreement(path []string, target, source map[string]interface{}) error {
	targetType, hasTarget := target["__typename"].(string)
	sourceType, hasSource := source["__typename"].(string)
	if hasTarget && hasSource && targetType != sourceType {
		return typenameMismatchError(path, targetType, sourceType)
	}
	return nil
}

// Merge merges source data into target data at the specified path.
// This function implements the recursive merge logic as described in the design document.
// If path is empty, it merges at the root level.
// If path points to a list, it merges source elements into corresponding target elements.
// If path points to an object, it merges source fields into the target object.
func Merge(target map[string]interface{}, source interface{}, path []string) error {
	// Base case: if path is empty, merge at root level
	if len(path) == 0 {
		sourceMap, ok := source.(map[string]interface{})
		if !ok {
			return fmt.Errorf("source must be a map when path is empty")
		}
		if err := checkTypenameAgreement(path, target, sourceMap); err != nil {
			return err
		}
		for k, v := range sourceMap {
			target[k] = v
		}
		return nil
	}

	// Recursive case: navigate the path
	key := path[0]
	remainingPath := path[1:]

	value, exists := target[key]
	if !exists {
		// If key doesn't exist and we have remaining path, we need to create intermediate structure
		if len(remainingPath) > 0 {
			// Create an empty object/array as placeholder
			// We'll determine the type based on the source
			target[key] = make(map[string]interface{})
			value = target[key]
		} else {
			// If this is the last segment, merge source directly
			target[key] = source
			return nil
		}
	}

	// Check if value is a list
	if list, ok := value.([]interface{}); ok {
		sourceList, ok := source.([]interface{})
		if !ok {
			return fmt.Errorf("source must be a list when target is a list at path %v, got %T", path, source)
		}

		if len(list) != len(sourceList) {
			return mergeLengthError(path, len(list), len(sourceList))
		}

		// Merge each element
		for i := 0; i < len(list); i++ {
			targetElem, ok := list[i].(map[string]interface{})
			if !ok {
				return fmt.Errorf("target list element at index %d is not a map", i)
			}

			if len(remainingPath) == 0 {
				// Merge source into the element directly
				sourceElem, ok := sourceList[i].(map[string]interface{})
				if !ok {
					return fmt.Errorf("source list element at index %d is not a map", i)
				}
				if err := checkTypenameAgreement(path, targetElem, sourceElem); err != nil {
					return err
				}
				for k, v := range sourceElem {
					targetElem[k] = v
				}
			} else {
				// Recursively merge into the element
				if err := Merge(targetElem, sourceList[i], remainingPath); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Check if value is an object
	if obj, ok := value.(map[string]interface{}); ok {
		if len(remainingPath) == 0 {
			// Merge source into the object directly
			sourceMap, ok := source.(map[string]interface{})
			if !ok {
				return fmt.Errorf("source must be a map when merging into an object")
			}
			if err := checkTypenameAgreement(path, obj, sourceMap); err != nil {
				return err
			}
			for k, v := range sourceMap {
				obj[k] = v
			}
			return nil
		}

		// Recursively merge into the object
		return Merge(obj, source, remainingPath)
	}

	return fmt.Errorf("unsupported type at path %v", path)
}
