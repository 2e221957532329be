package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Secret is a string whose value is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

var (
	errNotStructPtr = errors.New("input must be a pointer to a struct")
	durationType    = reflect.TypeOf(time.Duration(0))
)

// Parse populates the `env` tagged fields of the struct input points to.
// Unset variables keep the field's current value. Supported tag options:
// required, size (byte sizes such as 10MiB), opt[a,b,c].
func Parse(input interface{}, envRepo env.Repository) error {
	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errNotStructPtr
	}
	v = v.Elem()
	t := v.Type()

	var errs []error
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, options := parseTag(tag)
		value := strings.TrimSpace(envRepo.Get(key))

		if err := validate(value, options); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if value == "" {
			continue
		}
		if err := setField(v.Field(i), value, options); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func parseTag(tag string) (string, []string) {
	key, rest, found := strings.Cut(tag, ",")
	if !found {
		return key, nil
	}

	var options []string
	for rest != "" {
		if strings.HasPrefix(rest, "opt[") {
			end := strings.Index(rest, "]")
			if end < 0 {
				options = append(options, rest)
				break
			}
			options = append(options, rest[:end+1])
			rest = strings.TrimPrefix(rest[end+1:], ",")
			continue
		}
		option, next, _ := strings.Cut(rest, ",")
		options = append(options, option)
		rest = next
	}
	return key, options
}

func validate(value string, options []string) error {
	for _, option := range options {
		switch {
		case option == "required":
			if value == "" {
				return errors.New("required variable is not present")
			}
		case option == "size":
		case strings.HasPrefix(option, "opt[") && strings.HasSuffix(option, "]"):
			if value == "" {
				continue
			}
			allowed := strings.Split(strings.TrimSuffix(strings.TrimPrefix(option, "opt["), "]"), ",")
			if !contains(allowed, value) {
				return fmt.Errorf("value %q is not one of %v", value, allowed)
			}
		default:
			return fmt.Errorf("unknown tag option: %s", option)
		}
	}
	return nil
}

func setField(field reflect.Value, value string, options []string) error {
	if contains(options, "size") {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return fmt.Errorf("parse byte size: %w", err)
		}
		if field.Kind() != reflect.Int64 {
			return fmt.Errorf("size option on non int64 field")
		}
		field.SetInt(size)
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse integer: %w", err)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y", "true", "1":
		return true, nil
	case "no", "n", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool value: %s", value)
}

func contains(items []string, item string) bool {
	for _, i := range items {
		if i == item {
			return true
		}
	}
	return false
}
