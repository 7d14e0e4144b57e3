package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           repod API
// @version         1.0
// @description     HTTP API for model repository lifecycle management and inference.
//
// @contact.name   repod maintainers
// @contact.url    https://github.com/your-org/repod
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
